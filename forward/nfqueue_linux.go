//go:build linux

package forward

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/metrics"
	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type NfQueueConfig struct {
	Num         uint16
	MaxQueueLen uint32
	// NoENOBUFS asks the kernel not to report socket buffer overflows.
	NoENOBUFS bool
}

// NfQueue reads packets from a netfilter queue. A socket buffer overflow
// closes the queue and binds it again.
type NfQueue struct {
	cfg NfQueueConfig

	mu sync.RWMutex
	nf *nfqueue.Nfqueue
}

func OpenNfQueue(cfg NfQueueConfig) (*NfQueue, error) {
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 0xFFFF
	}
	q := &NfQueue{cfg: cfg}
	nf, err := q.open()
	if err != nil {
		return nil, err
	}
	q.nf = nf
	return q, nil
}

func (q *NfQueue) open() (*nfqueue.Nfqueue, error) {
	config := nfqueue.Config{
		NfQueue:      q.cfg.Num,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  q.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}
	nf, err := nfqueue.Open(&config)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission) {
			return nil, errors.Wrapf(ErrPermission, "queue %d: %v", q.cfg.Num, err)
		}
		return nil, errors.Wrapf(err, "could not open nfqueue %d", q.cfg.Num)
	}
	if q.cfg.NoENOBUFS {
		if err := nf.SetOption(netlink.NoENOBUFS, true); err != nil {
			nf.Close()
			return nil, errors.Wrapf(err, "failed to set netlink option %v", netlink.NoENOBUFS)
		}
	}
	return nf, nil
}

func (q *NfQueue) current() *nfqueue.Nfqueue {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.nf
}

func (q *NfQueue) Run(ctx context.Context, deliver Deliver) error {
	scoped := log.WithField(logging.Queue, q.cfg.Num)
	for {
		overflow := make(chan struct{}, 1)
		hook := packetHook(deliver, func(id uint32) error { return q.Accept(id, nil) }, scoped)
		errfn := func(err error) int {
			if ctx.Err() != nil {
				return 1
			}
			if errors.Is(err, unix.ENOBUFS) {
				select {
				case overflow <- struct{}{}:
				default:
				}
				return 1
			}
			scoped.WithError(err).Warning("Error while receiving from queue")
			return 0
		}

		if err := q.current().RegisterWithErrorFunc(ctx, hook, errfn); err != nil {
			return errors.Wrapf(err, "registering hook on queue %d", q.cfg.Num)
		}
		scoped.Info("Listening on nfqueue")

		select {
		case <-ctx.Done():
			return nil
		case <-overflow:
		}

		metrics.QueueOverflows.Inc()
		scoped.Error("Queue buffer overflow, resetting queue")
		q.mu.Lock()
		q.nf.Close()
		nf, err := q.open()
		if err != nil {
			q.mu.Unlock()
			return errors.Wrap(err, "reopening queue after overflow")
		}
		q.nf = nf
		q.mu.Unlock()
	}
}

// packetHook hands a copy of every queued payload to deliver. A packet
// arriving without payload is accepted unmodified.
func packetHook(deliver Deliver, accept func(id uint32) error, scoped *logrus.Entry) nfqueue.HookFunc {
	return func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		if a.Payload == nil {
			if err := accept(*a.PacketID); err != nil {
				scoped.WithError(err).Warning("Cannot accept packet without payload")
			}
			return 0
		}
		deliver(*a.PacketID, append([]byte(nil), (*a.Payload)...))
		return 0
	}
}

func (q *NfQueue) Accept(id uint32, payload []byte) error {
	nf := q.current()
	if payload == nil {
		return nf.SetVerdict(id, nfqueue.NfAccept)
	}
	return nf.SetVerdictWithOption(id, nfqueue.NfAccept, nfqueue.WithAlteredPacket(payload))
}

func (q *NfQueue) Drop(id uint32) error {
	return q.current().SetVerdict(id, nfqueue.NfDrop)
}

func (q *NfQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nf.Close()
}
