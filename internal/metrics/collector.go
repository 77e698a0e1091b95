package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relayscope/internal/models"
)

const namespace = "relayscope"

// Collector owns the Prometheus metrics of the service on a private registry.
// It satisfies the probe observer of the dispatcher and the transition
// observer of the health classifier.
type Collector struct {
	registry *prometheus.Registry

	probesTotal    *prometheus.CounterVec
	probeLatency   prometheus.Histogram
	probesInFlight prometheus.Gauge
	transitions    *prometheus.CounterVec
	nodesByStatus  *prometheus.GaugeVec
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Probes finished, by result and failure reason",
			},
			[]string{"result", "reason"},
		),
		probeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Measured latency of successful probes",
				Buckets:   []float64{.025, .05, .1, .2, .3, .5, .75, 1, 1.5, 2.5},
			},
		),
		probesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probes_in_flight",
				Help:      "Probes currently running",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_transitions_total",
				Help:      "Health state transitions by source and target state",
			},
			[]string{"from_state", "to_state"},
		),
		nodesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Nodes per health state after the last run",
			},
			[]string{"status"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_check_runs_total",
				Help:      "Health-check runs by trigger and outcome",
			},
			[]string{"trigger", "status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_check_duration_seconds",
				Help:      "Wall clock of health-check runs",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.probesTotal,
		c.probeLatency,
		c.probesInFlight,
		c.transitions,
		c.nodesByStatus,
		c.runsTotal,
		c.runDuration,
	)
	return c
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ProbeStarted implements dispatch.Observer.
func (c *Collector) ProbeStarted() {
	c.probesInFlight.Inc()
}

// ProbeFinished implements dispatch.Observer.
func (c *Collector) ProbeFinished(outcome models.ScoredOutcome, _ time.Duration) {
	c.probesInFlight.Dec()
	if outcome.Success {
		c.probesTotal.WithLabelValues("success", "").Inc()
		c.probeLatency.Observe(float64(outcome.LatencyMs) / 1000)
		return
	}
	c.probesTotal.WithLabelValues("failure", reasonClass(outcome.Error)).Inc()
}

// Transition implements health.TransitionObserver.
func (c *Collector) Transition(_ string, from, to models.HealthStatus) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveRun records a finished health-check run and the resulting state counts.
func (c *Collector) ObserveRun(report models.HealthReport, stats HealthStats) {
	c.runsTotal.WithLabelValues(report.Trigger, report.Status).Inc()
	c.runDuration.Observe(report.DurationSeconds)
	c.SetStatusCounts(stats)
}

// SetStatusCounts publishes per-state node counts.
func (c *Collector) SetStatusCounts(stats HealthStats) {
	c.nodesByStatus.WithLabelValues(string(models.StatusOnline)).Set(float64(stats.Online))
	c.nodesByStatus.WithLabelValues(string(models.StatusSuspect)).Set(float64(stats.Suspect))
	c.nodesByStatus.WithLabelValues(string(models.StatusOffline)).Set(float64(stats.Offline))
	c.nodesByStatus.WithLabelValues(string(models.StatusUnknown)).Set(float64(stats.Unknown))
}

// reasonClass keeps the label set bounded: "unreachable: <detail>" collapses
// to "unreachable".
func reasonClass(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "unknown"
	}
	return reason
}
