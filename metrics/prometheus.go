package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promSet struct {
	registry    *prometheus.Registry
	verdicts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	escalations *prometheus.CounterVec
	listed      *prometheus.GaugeVec
}

func newPromSet() *promSet {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &promSet{
		registry: reg,
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatfence_verdicts_total",
				Help: "Total number of admission verdicts",
			},
			[]string{"outcome", "reason"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threatfence_evaluate_duration_seconds",
				Help:    "Duration of admission evaluations",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
			[]string{"outcome"},
		),
		escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatfence_escalations_total",
				Help: "Total number of escalation tier changes",
			},
			[]string{"from", "to"},
		),
		listed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "threatfence_listed_targets",
				Help: "Targets currently held in each escalation tier",
			},
			[]string{"tier"},
		),
	}
}

func (c *promSet) observeVerdict(outcome, reason string, elapsed time.Duration) {
	c.verdicts.WithLabelValues(outcome, reason).Inc()
	c.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.prom.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}
