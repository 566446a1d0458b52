// Package metrics holds the Prometheus collectors exported by watchbot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick outcomes.
const (
	TickDispatched = "dispatched"
	TickFetchError = "fetch_error"
	TickIdle       = "idle"
)

// Metrics owns a private registry so tests can build as many instances as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	// TicksTotal counts scheduler ticks by outcome (dispatched, fetch_error, idle)
	TicksTotal *prometheus.CounterVec

	// FetchDuration tracks Data Source latency in seconds
	FetchDuration prometheus.Histogram

	// Subscribers is the current size of the subscriber registry
	Subscribers prometheus.Gauge

	// WatchedKeys is the number of fetch keys requested by the last tick
	WatchedKeys prometheus.Gauge

	// NotificationsTotal counts subscriber notifications by kind (invalid, triggered)
	NotificationsTotal *prometheus.CounterVec

	// NotifierSendsTotal counts notifier deliveries by result
	NotifierSendsTotal *prometheus.CounterVec

	// HTTPFetchTotal counts outbound page fetches by host and status
	HTTPFetchTotal *prometheus.CounterVec

	// CommandsTotal counts chat commands by name and status
	CommandsTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_ticks_total",
			Help: "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchbot_fetch_duration_seconds",
			Help:    "Data source fetch duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchbot_subscribers",
			Help: "Subscribers with at least one watched item",
		}),
		WatchedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchbot_watched_keys",
			Help: "Distinct fetch keys requested by the last tick",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_notifications_total",
			Help: "Subscriber notifications by kind",
		}, []string{"kind"}),
		NotifierSendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_notifier_sends_total",
			Help: "Notifier deliveries by result",
		}, []string{"result"}),
		HTTPFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_http_fetch_total",
			Help: "Outbound page fetches by host and status",
		}, []string{"host", "status"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_commands_total",
			Help: "Chat commands by command and status",
		}, []string{"command", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.FetchDuration,
		m.Subscribers,
		m.WatchedKeys,
		m.NotificationsTotal,
		m.NotifierSendsTotal,
		m.HTTPFetchTotal,
		m.CommandsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFetch(d time.Duration, keys int) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
	m.WatchedKeys.Set(float64(keys))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotifierSend(result string) {
	if m == nil {
		return
	}
	m.NotifierSendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPFetch(host, status string) {
	if m == nil {
		return
	}
	m.HTTPFetchTotal.WithLabelValues(host, status).Inc()
}

func (m *Metrics) Command(name, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(name, status).Inc()
}
