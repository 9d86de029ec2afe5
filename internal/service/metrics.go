package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总引擎的计数器，每个 Service 持有独立的 Registry
type Metrics struct {
	Registry        *prometheus.Registry
	EventsProcessed *prometheus.CounterVec
	TriggersFired   *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "signal_events_processed_total", Help: "Ticks and candles processed by the ingestion bridge"},
			[]string{"instrument", "kind"},
		),
		TriggersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "signal_triggers_fired_total", Help: "Trigger events dispatched"},
			[]string{"instrument", "action"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "signal_publish_failures_total", Help: "Bus publish failures"},
			[]string{"topic_kind"},
		),
	}
	m.Registry.MustRegister(m.EventsProcessed, m.TriggersFired, m.PublishFailures)
	return m
}

// ServeMetrics 在 addr 上暴露 /metrics
func ServeMetrics(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
