package api

import (
	"net/netip"

	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/pkg/errors"
)

// MappingMessage is the body of PUT /v1.0/nas_mapping. Absent fields are
// left alone by the receiver.
type MappingMessage struct {
	// LF maps a real host address to the subnet its virtual addresses are
	// drawn from.
	LF map[string]string `json:"lf,omitempty"`
	// HFAdded and HFRevoked carry virtual to real entries of a peer.
	HFAdded        map[string]string `json:"hf_added,omitempty"`
	HFRevoked      map[string]string `json:"hf_revoked,omitempty"`
	VirtualSubnets []string          `json:"virtual_subnets,omitempty"`
}

// LF is a parsed low frequency mapping.
type LF map[netip.Addr]netip.Prefix

func ParseLF(raw map[string]string) (LF, error) {
	lf := make(LF, len(raw))
	for k, v := range raw {
		a, err := netip.ParseAddr(k)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid lf host %q", k)
		}
		p, err := iptools.ParsePrefixOrAddr(v)
		if err != nil {
			return nil, err
		}
		lf[a.Unmap()] = p
	}
	return lf, nil
}

func (lf LF) Strings() map[string]string {
	raw := make(map[string]string, len(lf))
	for k, v := range lf {
		raw[k.String()] = v.String()
	}
	return raw
}

func ParseSubnets(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := iptools.ParsePrefixOrAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func SubnetStrings(ps []netip.Prefix) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}

// parsed is a MappingMessage after validation. Nil fields were absent.
type parsed struct {
	lf             LF
	added, revoked mapping.Table
	subnets        []netip.Prefix
	hasSubnets     bool
}

func (m *MappingMessage) parse() (*parsed, error) {
	p := &parsed{}
	var err error
	if m.LF != nil {
		if p.lf, err = ParseLF(m.LF); err != nil {
			return nil, err
		}
	}
	if m.HFAdded != nil {
		if p.added, err = mapping.ParseTable(m.HFAdded); err != nil {
			return nil, err
		}
	}
	if m.HFRevoked != nil {
		if p.revoked, err = mapping.ParseTable(m.HFRevoked); err != nil {
			return nil, err
		}
	}
	if m.VirtualSubnets != nil {
		if p.subnets, err = ParseSubnets(m.VirtualSubnets); err != nil {
			return nil, err
		}
		p.hasSubnets = true
	}
	return p, nil
}
