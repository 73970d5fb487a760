//go:build linux

package forward

import (
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIfnamePadded(t *testing.T) {
	b := ifname("eth0")
	require.Len(t, b, 16)
	assert.Equal(t, []byte("eth0\x00"), b[:5])
}

func TestSteeringRules(t *testing.T) {
	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: TableName}
	chain := &nftables.Chain{Name: "forward", Table: table}
	rules := steeringRules(table, chain, RulesConfig{PublicInterface: "eth0", InboundQueue: 1, OutboundQueue: 2})
	require.Len(t, rules, 2)

	in := rules[0].Exprs
	assert.Equal(t, expr.MetaKeyIIFNAME, in[0].(*expr.Meta).Key)
	assert.Equal(t, uint16(1), in[2].(*expr.Queue).Num)
	assert.Equal(t, expr.QueueFlagBypass, in[2].(*expr.Queue).Flag)

	out := rules[1].Exprs
	assert.Equal(t, expr.MetaKeyOIFNAME, out[0].(*expr.Meta).Key)
	assert.Equal(t, uint16(2), out[2].(*expr.Queue).Num)
}

func TestInstallRulesNeedsInterface(t *testing.T) {
	_, err := InstallRules(RulesConfig{})
	require.Error(t, err)
}
