// Package engine runs the device sync loop: read the sensors, report
// telemetry, poll for queued commands and execute them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/botanical/plant-controller/internal/metrics"
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/sensor"
	"github.com/botanical/plant-controller/internal/snapshot"
)

// State is the sync loop phase
type State int32

const (
	StateIdle State = iota
	StateSensing
	StateReporting
	StateCommandPolling
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSensing:
		return "sensing"
	case StateReporting:
		return "reporting"
	case StateCommandPolling:
		return "command_polling"
	case StateExecuting:
		return "executing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds engine configuration
type Config struct {
	DeviceID     string
	PollInterval time.Duration
	PumpDwell    time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DeviceID:     "plant-1",
		PollInterval: 5 * time.Second,
		PumpDwell:    5 * time.Second,
	}
}

// Sensing refreshes the device snapshot
type Sensing interface {
	Refresh(ctx context.Context) (snapshot.Snapshot, error)
}

// Remote is the command queue service
type Remote interface {
	PushTelemetry(ctx context.Context, payload protocol.TelemetryPayload) (int64, error)
	FetchCommands(ctx context.Context, deviceID string) ([]protocol.Command, error)
}

// Actuators drives the relay outputs
type Actuators interface {
	SetPump(on bool) error
	SetLight(on bool) error
	RunPump(ctx context.Context, dwell time.Duration) error
	Shutdown() error
}

// Publisher mirrors telemetry somewhere besides the queue service
type Publisher interface {
	Publish(ctx context.Context, payload protocol.TelemetryPayload) error
}

// ExecutionReport summarises one executed command batch
type ExecutionReport struct {
	Executed     []protocol.Command
	Unrecognized []protocol.Command
	Failed       []protocol.Command
}

// Engine is the device sync loop
type Engine struct {
	config    Config
	sensing   Sensing
	remote    Remote
	actuators Actuators
	mirror    Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	state     atomic.Int32
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithMirror publishes every telemetry payload to p as well
func WithMirror(p Publisher) Option {
	return func(e *Engine) { e.mirror = p }
}

// WithMetrics records cycle and command metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a new engine instance
func New(config Config, sensing Sensing, remote Remote, actuators Actuators, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if config.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.PumpDwell <= 0 {
		config.PumpDwell = DefaultConfig().PumpDwell
	}

	e := &Engine{
		config:    config,
		sensing:   sensing,
		remote:    remote,
		actuators: actuators,
		log:       log.With().Str("component", "engine").Str("device_id", config.DeviceID).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current loop phase
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run executes cycles until ctx is cancelled or a sensor handle fails.
// Every exit path, panics included, drives the outputs OFF.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		if serr := e.actuators.Shutdown(); serr != nil {
			e.log.Error().Err(serr).Msg("actuator shutdown failed")
			err = errors.Join(err, serr)
		}
		e.setState(StateIdle)
	}()

	e.log.Info().
		Dur("poll_interval", e.config.PollInterval).
		Dur("pump_dwell", e.config.PumpDwell).
		Msg("sync loop started")

	for {
		if err := e.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.log.Info().Msg("sync loop stopped")
				return nil
			}
			return err
		}

		e.setState(StateIdle)
		t := time.NewTimer(e.config.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			e.log.Info().Msg("sync loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// Cycle runs one Sensing → Reporting → CommandPolling → Executing pass.
// Network failures are logged and skip the affected step; the only errors
// returned are fatal sensor faults and context cancellation.
func (e *Engine) Cycle(ctx context.Context) error {
	start := time.Now()

	e.setState(StateSensing)
	snap, err := e.sensing.Refresh(ctx)
	if err != nil {
		e.metrics.CycleDone("fatal", time.Since(start))
		return fmt.Errorf("sensing: %w", err)
	}
	e.recordSensors(snap)
	if err := ctx.Err(); err != nil {
		return err
	}

	e.setState(StateReporting)
	e.report(ctx, snapshot.Payload(snap))
	if err := ctx.Err(); err != nil {
		return err
	}

	e.setState(StateCommandPolling)
	cmds, err := e.remote.FetchCommands(ctx, e.config.DeviceID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.log.Warn().Err(err).Msg("command poll failed, skipping execution")
		e.metrics.RemoteError("poll")
		e.metrics.CycleDone("degraded", time.Since(start))
		return nil
	}

	if len(cmds) > 0 {
		e.setState(StateExecuting)
		report := e.Execute(ctx, cmds)
		e.log.Info().
			Int("executed", len(report.Executed)).
			Int("unrecognized", len(report.Unrecognized)).
			Int("failed", len(report.Failed)).
			Msg("command batch processed")
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	e.metrics.CycleDone("ok", time.Since(start))
	return nil
}

func (e *Engine) report(ctx context.Context, payload protocol.TelemetryPayload) {
	id, err := e.remote.PushTelemetry(ctx, payload)
	if err != nil {
		e.log.Warn().Err(err).Msg("telemetry push failed")
		e.metrics.RemoteError("report")
	} else {
		e.log.Debug().Int64("reading_id", id).Msg("telemetry accepted")
	}

	if e.mirror == nil {
		return
	}
	if err := e.mirror.Publish(ctx, payload); err != nil {
		e.log.Warn().Err(err).Msg("telemetry mirror publish failed")
		e.metrics.RemoteError("mirror")
	}
}

// Execute applies commands strictly in order. Unknown actions are skipped,
// and a failed actuator write does not stop the rest of the batch.
func (e *Engine) Execute(ctx context.Context, cmds []protocol.Command) ExecutionReport {
	var report ExecutionReport

	for _, cmd := range cmds {
		if ctx.Err() != nil {
			e.log.Warn().Int64("command_id", cmd.ID).Msg("cancelled before command executed")
			return report
		}

		action, err := protocol.ParseAction(cmd.Action)
		if err != nil {
			e.log.Warn().Int64("command_id", cmd.ID).Str("action", cmd.Action).Msg("unrecognized command, skipping")
			report.Unrecognized = append(report.Unrecognized, cmd)
			e.metrics.CommandProcessed("unrecognized")
			continue
		}

		if err := e.apply(ctx, action); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.log.Warn().Int64("command_id", cmd.ID).Str("action", cmd.Action).Msg("command interrupted")
			} else {
				e.log.Error().Err(err).Int64("command_id", cmd.ID).Str("action", cmd.Action).Msg("command failed")
			}
			report.Failed = append(report.Failed, cmd)
			e.metrics.CommandProcessed("failed")
			continue
		}

		e.log.Info().Int64("command_id", cmd.ID).Str("action", cmd.Action).Msg("command executed")
		report.Executed = append(report.Executed, cmd)
		e.metrics.CommandProcessed("executed")
	}

	return report
}

func (e *Engine) apply(ctx context.Context, action protocol.Action) error {
	switch action {
	case protocol.ActionPumpOn:
		return e.actuators.RunPump(ctx, e.config.PumpDwell)
	case protocol.ActionPumpOff:
		return e.actuators.SetPump(false)
	case protocol.ActionLightOn:
		return e.actuators.SetLight(true)
	case protocol.ActionLightOff:
		return e.actuators.SetLight(false)
	default:
		return fmt.Errorf("unhandled action %q", action)
	}
}

func (e *Engine) recordSensors(snap snapshot.Snapshot) {
	if e.metrics == nil {
		return
	}
	for kind := range snap.Readings {
		r, ok := snap.Reading(kind)
		e.metrics.SensorAvailable(string(kind), ok)
		if !ok {
			continue
		}
		switch kind {
		case sensor.KindEnvironment:
			e.metrics.SensorValue("temperature_c", r.Environment.TemperatureC)
			e.metrics.SensorValue("humidity", r.Environment.Humidity)
		case sensor.KindMoisture:
			e.metrics.SensorValue("moisture_voltage", r.Moisture.Voltage)
			if r.Moisture.LevelPercent != nil {
				e.metrics.SensorValue("water_level_percent", *r.Moisture.LevelPercent)
			}
		case sensor.KindLight:
			e.metrics.SensorValue("lux", r.Light.Lux)
		case sensor.KindWater:
			e.metrics.SensorValue("water_detected", boolValue(r.Water.Detected))
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
