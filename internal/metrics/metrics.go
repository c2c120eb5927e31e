// Package metrics exposes Prometheus collectors for the device and the
// queue service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles            *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	sensorAvailable   *prometheus.GaugeVec
	sensorValue       *prometheus.GaugeVec
	actuatorState     *prometheus.GaugeVec
	actuatorSwitches  *prometheus.CounterVec
	commands          *prometheus.CounterVec
	remoteErrors      *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botanical_sync_cycles_total",
			Help: "Sync cycles completed, by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "botanical_sync_cycle_duration_seconds",
			Help:    "Duration of a sync cycle excluding the idle wait.",
			Buckets: prometheus.DefBuckets,
		}),
		sensorAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botanical_sensor_available",
			Help: "1 when the last read of a sensor kind produced a value.",
		}, []string{"kind"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botanical_sensor_value",
			Help: "Last sensor measurement by quantity.",
		}, []string{"quantity"}),
		actuatorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botanical_actuator_on",
			Help: "Relay output state (1 on, 0 off).",
		}, []string{"output"}),
		actuatorSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botanical_actuator_transitions_total",
			Help: "Relay state transitions.",
		}, []string{"output", "state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botanical_commands_total",
			Help: "Commands processed by result.",
		}, []string{"result"}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botanical_remote_errors_total",
			Help: "Failed calls to the command queue service, by step.",
		}, []string{"step"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.sensorAvailable,
		m.sensorValue,
		m.actuatorState,
		m.actuatorSwitches,
		m.commands,
		m.remoteErrors,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for a route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// CycleDone records a finished sync cycle
func (m *Metrics) CycleDone(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// SensorAvailable records whether a sensor kind produced a value
func (m *Metrics) SensorAvailable(kind string, ok bool) {
	if m == nil {
		return
	}
	m.sensorAvailable.WithLabelValues(kind).Set(boolToFloat(ok))
}

// SensorValue records the last value of a measured quantity
func (m *Metrics) SensorValue(quantity string, v float64) {
	if m == nil {
		return
	}
	m.sensorValue.WithLabelValues(quantity).Set(v)
}

// ActuatorSwitched records a relay transition
func (m *Metrics) ActuatorSwitched(output string, on bool) {
	if m == nil {
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	m.actuatorState.WithLabelValues(output).Set(boolToFloat(on))
	m.actuatorSwitches.WithLabelValues(output, state).Inc()
}

// CommandProcessed records a command result (executed, unrecognized, failed)
func (m *Metrics) CommandProcessed(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

// RemoteError records a failed call to the queue service
func (m *Metrics) RemoteError(step string) {
	if m == nil {
		return
	}
	m.remoteErrors.WithLabelValues(step).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
