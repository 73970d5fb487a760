//go:build !linux

package forward

import (
	"context"

	"github.com/pkg/errors"
)

var errUnsupported = errors.New("netfilter queues are only available on linux")

type NfQueueConfig struct {
	Num         uint16
	MaxQueueLen uint32
	NoENOBUFS   bool
}

type NfQueue struct{}

func OpenNfQueue(NfQueueConfig) (*NfQueue, error) {
	return nil, errUnsupported
}

func (*NfQueue) Run(context.Context, Deliver) error { return errUnsupported }
func (*NfQueue) Accept(uint32, []byte) error        { return errUnsupported }
func (*NfQueue) Drop(uint32) error                  { return errUnsupported }
func (*NfQueue) Close() error                       { return nil }

type RulesConfig struct {
	PublicInterface string
	InboundQueue    uint16
	OutboundQueue   uint16
}

func InstallRules(RulesConfig) (func() error, error) {
	return nil, errUnsupported
}
