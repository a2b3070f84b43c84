package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearby_safety"

// Metrics holds the engine's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	SOSActivations    *prometheus.CounterVec
	SOSTransitions    *prometheus.CounterVec
	ActiveIncidents   prometheus.Gauge
	ProximityAlerts   *prometheus.CounterVec
	DispatchFailures  *prometheus.CounterVec
	PushDeliveries    *prometheus.CounterVec
	NearbyMessages    prometheus.Counter
	SafetyTimerEvents *prometheus.CounterVec
	RealtimeSessions  prometheus.Gauge
	SharingUsers      prometheus.Gauge
	PersistFailures   *prometheus.CounterVec

	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SOSActivations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sos_activations_total",
			Help:      "Distress triggers that created an incident, by trigger source",
		}, []string{"trigger"}),
		SOSTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sos_transitions_total",
			Help:      "Incident state transitions, by target state",
		}, []string{"state"}),
		ActiveIncidents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sos_open_incidents",
			Help:      "Incidents currently arming or active",
		}),
		ProximityAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proximity_alerts_total",
			Help:      "Proximity alerts dispatched, by alert frequency",
		}, []string{"frequency"}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Events that could not be handed to a delivery channel",
		}, []string{"channel"}),
		PushDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Offline push attempts, by result",
		}, []string{"result"}),
		NearbyMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nearby_messages_total",
			Help:      "Nearby messages posted",
		}),
		SafetyTimerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_timer_events_total",
			Help:      "Safety timer lifecycle events",
		}, []string{"event"}),
		RealtimeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_sessions",
			Help:      "Connected realtime sessions on this instance",
		}),
		SharingUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sharing_users",
			Help:      "Users currently in the proximity index",
		}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Repository writes that failed after retries",
		}, []string{"op"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request durations labelled by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
