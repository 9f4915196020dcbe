package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records task lifecycle counters on its own registry.
type Metrics struct {
	registry *prometheus.Registry
	created  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediascribe",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted, by engine.",
		}, []string{"engine"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediascribe",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status, by engine and status.",
		}, []string{"engine", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediascribe",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time from creation to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"engine"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediascribe",
			Name:      "tasks_running",
			Help:      "Tasks currently executing a pipeline.",
		}),
	}
	m.registry.MustRegister(
		m.created, m.finished, m.duration, m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) TaskCreated(engine string) {
	m.created.WithLabelValues(engine).Inc()
}

func (m *Metrics) TaskStarted(string) {
	m.running.Inc()
}

func (m *Metrics) TaskFinished(engine, status string, elapsed time.Duration) {
	m.running.Dec()
	m.finished.WithLabelValues(engine, status).Inc()
	m.duration.WithLabelValues(engine).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
