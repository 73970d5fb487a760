//go:build linux

package forward

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// TableName is the nftables table holding the steering rules.
const TableName = "mtd_gateway"

type RulesConfig struct {
	// PublicInterface faces the public network.
	PublicInterface string
	InboundQueue    uint16
	OutboundQueue   uint16
}

// ifname encodes an interface name the way meta iifname compares it.
func ifname(n string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, n+"\x00")
	return b
}

func steeringRules(table *nftables.Table, chain *nftables.Chain, cfg RulesConfig) []*nftables.Rule {
	return []*nftables.Rule{
		{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(cfg.PublicInterface)},
				&expr.Queue{Num: cfg.InboundQueue, Flag: expr.QueueFlagBypass},
			},
		},
		{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(cfg.PublicInterface)},
				&expr.Queue{Num: cfg.OutboundQueue, Flag: expr.QueueFlagBypass},
			},
		},
	}
}

// InstallRules sends forwarded traffic arriving on the public interface to
// the inbound queue and traffic leaving through it to the outbound queue.
// The returned function removes the table again.
func InstallRules(cfg RulesConfig) (func() error, error) {
	if cfg.PublicInterface == "" {
		return nil, errors.New("public interface not set")
	}
	c, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, "opening nftables connection")
	}
	cleanup(c)

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   TableName,
	})
	chain := c.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityMangle,
	})
	for _, r := range steeringRules(table, chain, cfg) {
		c.AddRule(r)
	}
	if err := c.Flush(); err != nil {
		return nil, errors.Wrap(err, "installing nftables rules")
	}
	log.WithFields(logrus.Fields{
		"interface": cfg.PublicInterface,
		"inbound":   cfg.InboundQueue,
		"outbound":  cfg.OutboundQueue,
	}).Info("Steering rules installed")

	return func() error {
		c.DelTable(table)
		return errors.Wrap(c.Flush(), "removing nftables rules")
	}, nil
}

// cleanup removes a table left behind by an earlier run.
func cleanup(c *nftables.Conn) {
	c.DelTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: TableName})
	if err := c.Flush(); err != nil {
		log.WithError(err).Debug("No stale steering table")
	}
}
