package hfctrl

import (
	"context"
	"net/http"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/dosgo/goMtdGate/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	peerConcurrency = 10
	peerBacklog     = 16
)

// PeerClient sends local HF changes to the other gateways. Messages are
// delivered in order, each one to all peers in parallel.
type PeerClient struct {
	urls   []string
	client *http.Client
	queue  chan *api.MappingMessage
}

func NewPeerClient(urls []string, timeout time.Duration) *PeerClient {
	return &PeerClient{
		urls:   urls,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan *api.MappingMessage, peerBacklog),
	}
}

// Push queues a message and drops it when the backlog is full.
func (p *PeerClient) Push(added, revoked mapping.Table) {
	if len(p.urls) == 0 {
		return
	}
	msg := &api.MappingMessage{
		HFAdded:   added.Strings(),
		HFRevoked: revoked.Strings(),
	}
	select {
	case p.queue <- msg:
	default:
		metrics.PeerPushErrors.Inc()
		log.Warning("Peer push backlog full, dropping mapping update")
	}
}

func (p *PeerClient) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.queue:
			p.send(ctx, msg)
		}
	}
}

func (p *PeerClient) send(ctx context.Context, msg *api.MappingMessage) {
	var g errgroup.Group
	g.SetLimit(peerConcurrency)
	for _, url := range p.urls {
		g.Go(func() error {
			scoped := log.WithField(logging.URL, url)
			if err := api.PutMapping(ctx, p.client, url, msg); err != nil {
				metrics.PeerPushErrors.Inc()
				scoped.WithError(err).Warning("Cannot push mapping to peer")
				return nil
			}
			scoped.Debug("Pushed mapping to peer")
			return nil
		})
	}
	_ = g.Wait()
}
