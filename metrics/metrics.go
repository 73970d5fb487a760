// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "goMtdGate"

const (
	LabelDirection  = "direction"
	LabelVerdict    = "verdict"
	LabelTranslator = "translator"

	VerdictAccept = "accept"
	VerdictDrop   = "drop"
)

var (
	// Registry is the registry served on /metrics.
	Registry = prometheus.NewRegistry()

	Packets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "packets_total",
		Help:      "Packets handled by the pipelines by direction and verdict",
	}, []string{LabelDirection, LabelVerdict})

	TranslatorDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "translator_drops_total",
		Help:      "Drop decisions by translator",
	}, []string{LabelTranslator})

	HFRecalculations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "hf_recalculations_total",
		Help:      "High frequency mappings generated",
	})

	HFShufflesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "hf_shuffles_blocked_total",
		Help:      "Reshuffles postponed by dynamic port priority",
	})

	PeerPushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "peer_push_errors_total",
		Help:      "Failed mapping pushes to peer gateways",
	})

	QueueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "queue_overflows_total",
		Help:      "Kernel queue buffer overflows followed by a queue reset",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Packets,
		TranslatorDrops,
		HFRecalculations,
		HFShufflesBlocked,
		PeerPushErrors,
		QueueOverflows,
	)
}

// RegisterTrackedConnections exposes the size of the connection buffer.
// Registering twice is not an error.
func RegisterTrackedConnections(size func() int) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "tracked_connections",
		Help:      "Flows currently held by the connection tracker",
	}, func() float64 { return float64(size()) })
	if err := Registry.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return errors.Wrap(err, "registering tracked connections gauge")
	}
	return nil
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
