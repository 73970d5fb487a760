//go:build !linux

package router

import (
	"net/netip"

	"github.com/pkg/errors"
)

var errUnsupported = errors.New("route installation is only supported on linux")

type NetlinkInstaller struct{}

func (NetlinkInstaller) Replace(netip.Prefix, netip.Addr) error { return errUnsupported }

func (NetlinkInstaller) Delete(netip.Prefix, netip.Addr) error { return errUnsupported }
