// Package metrics exposes session counters as Prometheus metrics
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

const namespace = "ser2tcp"

// Collector implements session.Reporter and keeps the metrics current
type Collector struct {
	registry *prometheus.Registry

	rxBytes    *prometheus.CounterVec
	txBytes    *prometheus.GaugeVec
	throughput *prometheus.GaugeVec
	pending    *prometheus.GaugeVec
	faults     *prometheus.CounterVec
	sessions   *prometheus.CounterVec

	// rx bytes already added to rxBytes, per session ID. A restarted run
	// reuses names but gets new IDs.
	mu      sync.Mutex
	counted map[string]uint64
}

// New registers the collectors on a private registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		counted:  make(map[string]uint64),
		rxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_validated_bytes_total",
			Help:      "Bytes received and validated against the generator backlog.",
		}, []string{"session"}),
		txBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_bytes",
			Help:      "Bytes written to the transport so far.",
		}, []string{"session"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_bytes_per_second",
			Help:      "Receive throughput over the last report window.",
		}, []string{"session"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_bytes",
			Help:      "Bytes sent but not yet confirmed.",
		}, []string{"session"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Worker faults by direction and kind.",
		}, []string{"session", "direction", "kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that have finished, by outcome.",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(c.rxBytes, c.txBytes, c.throughput, c.pending, c.faults, c.sessions)
	return c
}

// Registry returns the registry backing the collector
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// addRx advances the rx counter of a session to total
func (c *Collector) addRx(name, id string, total uint64) {
	key := id
	if key == "" {
		key = name
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if total > c.counted[key] {
		c.rxBytes.WithLabelValues(name).Add(float64(total - c.counted[key]))
		c.counted[key] = total
	}
}

func (c *Collector) Throughput(r session.Report) {
	c.addRx(r.Session, r.ID, r.RxTotal)
	c.txBytes.WithLabelValues(r.Session).Set(float64(r.TxTotal))
	c.throughput.WithLabelValues(r.Session).Set(r.BytesPerSec)
	c.pending.WithLabelValues(r.Session).Set(float64(r.Pending))
}

func (c *Collector) Fault(f session.Fault) {
	c.faults.WithLabelValues(f.Session, string(f.Direction), FaultKind(f.Err)).Inc()
}

// Final also counts the bytes validated after the last full window
func (c *Collector) Final(s session.Summary) {
	c.addRx(s.Session, s.ID, s.RxBytes)
	c.throughput.WithLabelValues(s.Session).Set(0)
	c.txBytes.WithLabelValues(s.Session).Set(float64(s.TxBytes))
	c.pending.WithLabelValues(s.Session).Set(float64(s.Pending))

	outcome := "ok"
	if s.Err != nil {
		outcome = "fault"
	}
	c.sessions.WithLabelValues(outcome).Inc()
}

// FaultKind classifies a worker error for the kind label
func FaultKind(err error) string {
	if errors.Is(err, generator.ErrMismatch) {
		return "mismatch"
	}
	return "io"
}
