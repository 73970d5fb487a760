package router

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkInstaller edits the main routing table of this host.
type NetlinkInstaller struct{}

func toRoute(dst netip.Prefix, gw netip.Addr) *netlink.Route {
	return &netlink.Route{
		Dst: &net.IPNet{
			IP:   dst.Masked().Addr().AsSlice(),
			Mask: net.CIDRMask(dst.Bits(), dst.Addr().BitLen()),
		},
		Gw: gw.AsSlice(),
	}
}

func (NetlinkInstaller) Replace(dst netip.Prefix, gw netip.Addr) error {
	if err := netlink.RouteReplace(toRoute(dst, gw)); err != nil {
		return errors.Wrapf(err, "ip route replace %s via %s", dst, gw)
	}
	return nil
}

func (NetlinkInstaller) Delete(dst netip.Prefix, gw netip.Addr) error {
	err := netlink.RouteDel(toRoute(dst, gw))
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "ip route del %s via %s", dst, gw)
	}
	return nil
}
