// Package forward runs the packet pipelines: packets read from a kernel
// queue are decoded, passed through the translators of one direction in
// priority order and released with an accept or drop verdict.
package forward

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dosgo/goMtdGate/comm"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/comm/packet"
	"github.com/dosgo/goMtdGate/metrics"
	"github.com/dosgo/goMtdGate/translator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "forward")

// Default pipeline priorities.
const (
	InboundPortPriority    = 10
	InboundTrackerPriority = 30
	InboundNASPriority     = 50

	OutboundNASPriority     = 50
	OutboundDNSPriority     = 51
	OutboundTrackerPriority = 70
	OutboundPortPriority    = 100
)

// Submitter accepts segments for asynchronous connection tracking.
type Submitter interface {
	Submit(seg packet.Segment, dir comm.Direction) bool
}

// Stage is one entry of a pipeline. Exactly one of Translator and Tracker
// is set.
type Stage struct {
	Priority   int
	Translator translator.Translator
	Tracker    Submitter
}

func (s Stage) name() string {
	if s.Translator != nil {
		return s.Translator.Name()
	}
	return "tracker"
}

type Config struct {
	Direction comm.Direction
	// Workers is the size of the worker pool, Backlog the number of packets
	// waiting for a worker.
	Workers int
	Backlog int
	// DirectForward accepts every packet unmodified.
	DirectForward bool
}

type job struct {
	id      uint32
	payload []byte
}

// Pipeline processes the packets of one queue.
type Pipeline struct {
	cfg    Config
	queue  Queue
	stages []Stage
	jobs   chan job

	errLog rate.Sometimes
}

// NewPipeline orders stages by ascending priority. Priorities must be
// unique.
func NewPipeline(cfg Config, q Queue, stages ...Stage) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4 * runtime.NumCPU()
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 4 * cfg.Workers
	}
	sorted := append([]Stage(nil), stages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i, s := range sorted {
		if (s.Translator == nil) == (s.Tracker == nil) {
			return nil, errors.Errorf("stage %d needs either a translator or a tracker", s.Priority)
		}
		if i > 0 && sorted[i-1].Priority == s.Priority {
			return nil, errors.Errorf("duplicate pipeline priority %d", s.Priority)
		}
	}
	return &Pipeline{
		cfg:    cfg,
		queue:  q,
		stages: sorted,
		jobs:   make(chan job, cfg.Backlog),
		errLog: rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}, nil
}

// Run starts the worker pool and reads the queue until ctx is done.
func (pl *Pipeline) Run(ctx context.Context) error {
	scoped := log.WithField(logging.Direction, pl.cfg.Direction)
	names := make([]string, 0, len(pl.stages))
	for _, s := range pl.stages {
		names = append(names, s.name())
	}
	scoped.WithFields(logrus.Fields{
		"workers": pl.cfg.Workers,
		"stages":  names,
	}).Info("Starting pipeline")

	var wg sync.WaitGroup
	for i := 0; i < pl.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pl.worker(ctx)
		}()
	}

	err := pl.queue.Run(ctx, func(id uint32, payload []byte) {
		select {
		case pl.jobs <- job{id: id, payload: payload}:
		case <-ctx.Done():
		}
	})
	wg.Wait()
	if n := pl.drain(); n > 0 {
		scoped.WithField(logging.Count, n).Info("Accepted pending packets unmodified")
	}
	scoped.Info("Pipeline stopped")
	return err
}

func (pl *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-pl.jobs:
			pl.handle(j)
		}
	}
}

// drain accepts the packets still waiting for a worker.
func (pl *Pipeline) drain() int {
	n := 0
	for {
		select {
		case j := <-pl.jobs:
			pl.verdict(j.id, nil, true)
			n++
		default:
			return n
		}
	}
}

// handle issues exactly one verdict per packet. A panic inside a
// translator drops the packet and leaves the worker running.
func (pl *Pipeline) handle(j job) {
	verdictSent := false
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				logging.Direction: pl.cfg.Direction,
				logging.PacketID:  j.id,
				"panic":           r,
			}).Error("Recovered from panic while handling packet")
			if !verdictSent {
				pl.verdict(j.id, nil, false)
			}
		}
	}()

	out, forward := pl.Process(j.payload)
	verdictSent = true
	pl.verdict(j.id, out, forward)
}

func (pl *Pipeline) verdict(id uint32, out []byte, forward bool) {
	var err error
	label := metrics.VerdictAccept
	if forward {
		err = pl.queue.Accept(id, out)
	} else {
		label = metrics.VerdictDrop
		err = pl.queue.Drop(id)
	}
	metrics.Packets.WithLabelValues(pl.cfg.Direction.String(), label).Inc()
	if err != nil {
		pl.errLog.Do(func() {
			log.WithError(err).WithField(logging.PacketID, id).Warning("Cannot set verdict")
		})
	}
}

// Process runs one raw packet through the stages. It returns the payload
// to accept, nil for unmodified, and whether to forward at all.
func (pl *Pipeline) Process(data []byte) ([]byte, bool) {
	pkt, err := packet.Decode(data)
	if err != nil {
		pl.errLog.Do(func() {
			log.WithError(err).WithField(logging.Direction, pl.cfg.Direction).Warning("Cannot decode packet, accepting unmodified")
		})
		return nil, true
	}
	if pl.cfg.DirectForward {
		return nil, true
	}

	forward := true
	for _, s := range pl.stages {
		if s.Tracker != nil {
			if pkt.TCP() != nil && !s.Tracker.Submit(pkt.Segment(), pl.cfg.Direction) {
				pl.errLog.Do(func() {
					log.WithField(logging.Direction, pl.cfg.Direction).Warning("Tracking backlog full, segment not tracked")
				})
			}
			continue
		}
		if !handles(pkt, s.Translator) {
			continue
		}
		if !s.Translator.Process(pkt) {
			metrics.TranslatorDrops.WithLabelValues(s.Translator.Name()).Inc()
			forward = false
		}
	}
	if !forward {
		return nil, false
	}

	out, err := pkt.Serialize()
	if err != nil {
		pl.errLog.Do(func() {
			log.WithError(err).WithFields(logrus.Fields{
				logging.Src: pkt.Src(),
				logging.Dst: pkt.Dst(),
			}).Warning("Cannot serialize packet, dropping")
		})
		return nil, false
	}
	return out, true
}

// handles reports whether the packet carries one of the translator's
// layers.
func handles(p *packet.Packet, t translator.Translator) bool {
	for _, l := range t.Layers() {
		if p.HasLayer(l) {
			return true
		}
	}
	return false
}
