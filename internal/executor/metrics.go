package executor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	activeTasks  prometheus.Gauge
	refundsTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_worker_tasks_total",
			Help: "Generation tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_worker_task_duration_seconds",
			Help:    "Generation task duration by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_worker_active_tasks",
			Help: "Generation tasks currently running.",
		}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_worker_refunds_total",
			Help: "Refunds issued after failed generations, by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(m.tasksTotal, m.taskDuration, m.activeTasks, m.refundsTotal)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
