// Package queue implements the command queue service the device reports to:
// it stores telemetry and hands out queued commands, marking them consumed
// as they are read.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/botanical/plant-controller/internal/metrics"
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/storage"
)

const maxBodyBytes = 64 << 10

// Store is the persistence the service needs
type Store interface {
	InsertReading(ctx context.Context, r *storage.Reading) (int64, error)
	LatestReading(ctx context.Context, deviceID string) (*storage.Reading, error)
	InsertCommand(ctx context.Context, deviceID, action string) (int64, error)
	TakePendingCommands(ctx context.Context, deviceID string) ([]*storage.Command, error)
	Ping(ctx context.Context) error
}

// Config holds HTTP settings for the service
type Config struct {
	AllowedOrigins []string
	AccessLog      io.Writer // combined log format; nil disables
}

// Server routes the queue API
type Server struct {
	store   Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	router  chi.Router
	handler http.Handler
}

// New builds the service router
func New(config Config, store Store, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		store:   store,
		log:     log.With().Str("component", "queue").Logger(),
		metrics: m,
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/", s.home)
	s.router.Get("/health", s.health)
	s.router.Handle("/metrics", m.Handler())

	s.router.Route("/api/devices", func(r chi.Router) {
		r.Method(http.MethodPost, "/telemetry", m.WrapHandler("telemetry", http.HandlerFunc(s.receiveTelemetry)))
		r.Method(http.MethodGet, "/{device_id}/latest", m.WrapHandler("latest", http.HandlerFunc(s.latest)))
		r.Method(http.MethodPost, "/{device_id}/control", m.WrapHandler("control", http.HandlerFunc(s.control)))
		r.Method(http.MethodGet, "/{device_id}/commands", m.WrapHandler("commands", http.HandlerFunc(s.commands)))
	})

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(s.router)
	if config.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(config.AccessLog, h)
	}
	s.handler = h

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Plant command queue running"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("database ping failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

func (s *Server) receiveTelemetry(w http.ResponseWriter, r *http.Request) {
	var payload protocol.TelemetryPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	reading := readingFromPayload(payload)
	id, err := s.store.InsertReading(r.Context(), reading)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", payload.DeviceID).Msg("failed to store reading")
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	s.log.Debug().Str("device_id", payload.DeviceID).Int64("reading_id", id).Msg("telemetry stored")
	writeJSON(w, http.StatusOK, protocol.TelemetryAck{Status: "received", ReadingID: id})
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	reading, err := s.store.LatestReading(r.Context(), deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No data found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to load latest reading")
		writeError(w, http.StatusInternalServerError, "failed to load reading")
		return
	}

	writeJSON(w, http.StatusOK, protocol.LatestReading{
		DeviceID:      reading.DeviceID,
		Timestamp:     reading.Timestamp,
		Temperature:   reading.Temperature,
		Humidity:      reading.Humidity,
		Moisture:      reading.MoistureVoltage,
		Light:         reading.LightLux,
		WaterDetected: reading.WaterDetected,
	})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	var req protocol.ControlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := protocol.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.InsertCommand(r.Context(), deviceID, string(action))
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to queue command")
		writeError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}

	s.log.Info().Str("device_id", deviceID).Str("action", string(action)).Int64("command_id", id).Msg("command queued")
	writeJSON(w, http.StatusOK, protocol.ControlResponse{Status: "command queued", CommandID: id})
}

func (s *Server) commands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	pending, err := s.store.TakePendingCommands(r.Context(), deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to take pending commands")
		writeError(w, http.StatusInternalServerError, "failed to load commands")
		return
	}

	cmds := make([]protocol.Command, 0, len(pending))
	for _, c := range pending {
		cmds = append(cmds, protocol.Command{ID: c.ID, Action: c.Action})
	}
	if len(cmds) > 0 {
		s.log.Info().Str("device_id", deviceID).Int("count", len(cmds)).Msg("commands delivered")
	}
	writeJSON(w, http.StatusOK, cmds)
}

func readingFromPayload(p protocol.TelemetryPayload) *storage.Reading {
	r := &storage.Reading{DeviceID: p.DeviceID, Timestamp: time.Now().UTC()}
	if p.Environment != nil {
		r.Temperature = &p.Environment.TemperatureC
		r.Humidity = &p.Environment.Humidity
	}
	if p.Moisture != nil {
		r.MoistureVoltage = &p.Moisture.Voltage
	}
	if p.Light != nil {
		r.LightLux = &p.Light.Lux
	}
	if p.Water != nil {
		r.WaterDetected = &p.Water.WaterDetected
	}
	return r
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
