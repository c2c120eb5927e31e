// Package status serves the device's current sensor snapshot over HTTP,
// accepts manual relay control and streams snapshots over WebSocket.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/botanical/plant-controller/internal/actuator"
	"github.com/botanical/plant-controller/internal/metrics"
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/sensor"
	"github.com/botanical/plant-controller/internal/snapshot"
)

// Snapshots is the live snapshot source
type Snapshots interface {
	Get() (snapshot.Snapshot, bool)
	Subscribe() (<-chan snapshot.Snapshot, func())
}

// Actuators is the relay control the server exposes
type Actuators interface {
	SetPump(on bool) error
	SetLight(on bool) error
	RunPump(ctx context.Context, dwell time.Duration) error
	State() actuator.State
}

// Config holds status server settings
type Config struct {
	PumpDwell    time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default status server settings
func DefaultConfig() Config {
	return Config{
		PumpDwell:    5 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the status query API
type Server struct {
	config    Config
	snapshots Snapshots
	actuators Actuators
	metrics   *metrics.Metrics
	log       zerolog.Logger
	router    chi.Router
}

// New builds the status router. actuators may be nil, in which case the
// control routes are not mounted.
func New(config Config, snapshots Snapshots, actuators Actuators, m *metrics.Metrics, log zerolog.Logger) *Server {
	def := DefaultConfig()
	if config.PumpDwell <= 0 {
		config.PumpDwell = def.PumpDwell
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		config:    config,
		snapshots: snapshots,
		actuators: actuators,
		metrics:   m,
		log:       log.With().Str("component", "status").Logger(),
		router:    chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)

	s.router.Get("/", s.home)
	s.router.Get("/health", s.health)
	s.router.Method(http.MethodGet, "/water", m.WrapHandler("water", s.kindHandler(sensor.KindWater)))
	s.router.Method(http.MethodGet, "/light", m.WrapHandler("light", s.kindHandler(sensor.KindLight)))
	s.router.Method(http.MethodGet, "/temperature", m.WrapHandler("temperature", s.kindHandler(sensor.KindEnvironment)))
	s.router.Method(http.MethodGet, "/moisture", m.WrapHandler("moisture", s.kindHandler(sensor.KindMoisture)))
	s.router.Method(http.MethodGet, "/data", m.WrapHandler("data", http.HandlerFunc(s.data)))
	s.router.Get("/ws", s.stream)
	s.router.Handle("/metrics", m.Handler())

	if actuators != nil {
		s.router.Post("/pump/on", s.pumpOn)
		s.router.Post("/pump/off", s.switchHandler(actuators.SetPump, false))
		s.router.Post("/light/on", s.switchHandler(actuators.SetLight, true))
		s.router.Post("/light/off", s.switchHandler(actuators.SetLight, false))
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Sensor API running"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) current(w http.ResponseWriter) (protocol.TelemetryPayload, bool) {
	snap, ok := s.snapshots.Get()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "not ready"})
		return protocol.TelemetryPayload{}, false
	}
	return snapshot.Payload(snap), true
}

func (s *Server) kindHandler(kind sensor.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.current(w)
		if !ok {
			return
		}

		var v interface{}
		switch kind {
		case sensor.KindEnvironment:
			v = p.Environment
		case sensor.KindMoisture:
			v = p.Moisture
		case sensor.KindLight:
			v = p.Light
		case sensor.KindWater:
			v = p.Water
		}
		writeJSON(w, http.StatusOK, orEmpty(v))
	})
}

// orEmpty turns a nil payload pointer into {}
func orEmpty(v interface{}) interface{} {
	switch t := v.(type) {
	case *protocol.EnvironmentData:
		if t == nil {
			return struct{}{}
		}
	case *protocol.MoistureData:
		if t == nil {
			return struct{}{}
		}
	case *protocol.LightData:
		if t == nil {
			return struct{}{}
		}
	case *protocol.WaterData:
		if t == nil {
			return struct{}{}
		}
	}
	return v
}

func (s *Server) data(w http.ResponseWriter, r *http.Request) {
	p, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) pumpOn(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Dur("dwell", s.config.PumpDwell).Msg("manual pump run")
	if err := s.actuators.RunPump(r.Context(), s.config.PumpDwell); err != nil {
		s.controlFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actuators.State())
}

func (s *Server) switchHandler(set func(bool) error, on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := set(on); err != nil {
			s.controlFailed(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.actuators.State())
	}
}

func (s *Server) controlFailed(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, actuator.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	s.log.Error().Err(err).Msg("manual control failed")
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
