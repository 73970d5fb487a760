package router

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type op struct {
	del bool
	dst netip.Prefix
	gw  netip.Addr
}

type fakeInstaller struct {
	ops     []op
	failDel map[netip.Prefix]bool
}

func (f *fakeInstaller) Replace(dst netip.Prefix, gw netip.Addr) error {
	f.ops = append(f.ops, op{dst: dst, gw: gw})
	return nil
}

func (f *fakeInstaller) Delete(dst netip.Prefix, gw netip.Addr) error {
	if f.failDel[dst] {
		return errors.New("busy")
	}
	f.ops = append(f.ops, op{del: true, dst: dst, gw: gw})
	return nil
}

func (f *fakeInstaller) deletes() []netip.Prefix {
	var out []netip.Prefix
	for _, o := range f.ops {
		if o.del {
			out = append(out, o.dst)
		}
	}
	return out
}

var (
	gw1      = netip.MustParseAddr("172.16.0.1")
	gw2      = netip.MustParseAddr("172.16.0.2")
	gwV6     = netip.MustParseAddr("fd00::1")
	honeyV4  = netip.MustParseAddr("172.16.0.99")
	honeyV6  = netip.MustParseAddr("fd00::99")
	vsubV4   = netip.MustParsePrefix("192.168.0.0/16")
	vsubV6   = netip.MustParsePrefix("fd01::/48")
	subnet1  = netip.MustParsePrefix("192.168.1.0/24")
	subnet2  = netip.MustParsePrefix("192.168.2.0/24")
	subnetV6 = netip.MustParsePrefix("fd01:0:0:1::/64")
)

func testRouter(inst Installer) *Router {
	return New(Config{
		HoneypotGateways: []netip.Addr{honeyV6, honeyV4},
		VirtualSubnets:   []netip.Prefix{vsubV4, vsubV6},
		GatewayMapping: map[netip.Prefix]netip.Addr{
			netip.MustParsePrefix("10.0.0.0/8"):  gw1,
			netip.MustParsePrefix("10.1.0.0/16"): gw2,
			netip.MustParsePrefix("fd10::/16"):   gwV6,
		},
	}, inst)
}

func TestPlan(t *testing.T) {
	r := testRouter(&fakeInstaller{})
	routes := r.Plan(map[netip.Prefix]netip.Addr{
		subnet1:                                 netip.MustParseAddr("10.0.0.5"),
		subnet2:                                 netip.MustParseAddr("10.1.0.5"),
		subnetV6:                                netip.MustParseAddr("fd10::5"),
		netip.MustParsePrefix("192.168.3.0/24"): netip.MustParseAddr("11.0.0.1"),
	})
	assert.Equal(t, Routes{
		vsubV4:   honeyV4,
		vsubV6:   honeyV6,
		subnet1:  gw1,
		subnet2:  gw2,
		subnetV6: gwV6,
	}, routes)
}

func TestApplyRemovesStaleRoutes(t *testing.T) {
	inst := &fakeInstaller{}
	r := testRouter(inst)

	require.NoError(t, r.Apply(map[netip.Prefix]netip.Addr{subnet1: netip.MustParseAddr("10.0.0.5")}))
	assert.Empty(t, inst.deletes())
	assert.Len(t, r.Installed(), 3)

	inst.ops = nil
	require.NoError(t, r.Apply(map[netip.Prefix]netip.Addr{subnet2: netip.MustParseAddr("10.0.0.5")}))
	assert.Equal(t, []netip.Prefix{subnet1}, inst.deletes())
	assert.Equal(t, Routes{vsubV4: honeyV4, vsubV6: honeyV6, subnet2: gw1}, r.Installed())
}

func TestApplyChangedGateway(t *testing.T) {
	inst := &fakeInstaller{}
	r := testRouter(inst)

	require.NoError(t, r.Apply(map[netip.Prefix]netip.Addr{subnet1: netip.MustParseAddr("10.0.0.5")}))
	inst.ops = nil
	require.NoError(t, r.Apply(map[netip.Prefix]netip.Addr{subnet1: netip.MustParseAddr("10.1.0.5")}))
	assert.Equal(t, []netip.Prefix{subnet1}, inst.deletes())
	assert.Equal(t, gw2, r.Installed()[subnet1])
}

func TestApplyRetriesFailedDelete(t *testing.T) {
	inst := &fakeInstaller{failDel: map[netip.Prefix]bool{subnet1: true}}
	r := testRouter(inst)

	require.NoError(t, r.Apply(map[netip.Prefix]netip.Addr{subnet1: netip.MustParseAddr("10.0.0.5")}))
	assert.Error(t, r.Apply(nil))
	assert.Contains(t, r.Installed(), subnet1)

	inst.failDel = nil
	require.NoError(t, r.Apply(nil))
	assert.NotContains(t, r.Installed(), subnet1)
}
