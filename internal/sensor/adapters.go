package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReadTimeout bounds a single sensor read
const DefaultReadTimeout = 2 * time.Second

// DefaultLightSettle is the BH1750 one-time high resolution conversion time
const DefaultLightSettle = 180 * time.Millisecond

// BH1750 one-time high resolution mode opcode
const bh1750OneTimeHighRes byte = 0x20

// Hygrometer is a combined temperature/humidity sensor (°C, %RH)
type Hygrometer interface {
	Temperature() (float32, error)
	Humidity() (float32, error)
}

// AnalogReader reads a raw value from a named ADC channel
type AnalogReader interface {
	AnalogRead(pin string) (int, error)
}

// I2cDevice is a raw I²C connection to a single device address
type I2cDevice interface {
	WriteByte(val byte) error
	Read(b []byte) (int, error)
}

// DigitalReader reads a single digital input pin
type DigitalReader interface {
	DigitalRead() (int, error)
}

// Options holds settings shared by every adapter
type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// guard bounds a read in time and classifies its faults
type guard struct {
	kind    Kind
	timeout time.Duration
	log     zerolog.Logger
	busy    atomic.Bool
}

func newGuard(kind Kind, opts Options) *guard {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return &guard{
		kind:    kind,
		timeout: timeout,
		log:     opts.Logger.With().Str("sensor", string(kind)).Logger(),
	}
}

type readResult struct {
	reading Reading
	err     error
}

// do runs fn on its own goroutine so a wedged bus cannot hold the caller
// past the timeout. While an abandoned read is still running, later reads
// report Unavailable without touching the handle.
func (g *guard) do(ctx context.Context, fn func(ctx context.Context, at time.Time) (Reading, error)) (Reading, error) {
	now := time.Now()
	if !g.busy.CompareAndSwap(false, true) {
		g.log.Warn().Msg("previous read still in flight, reporting unavailable")
		return Unavailable(g.kind, now), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	done := make(chan readResult, 1)
	go func() {
		defer g.busy.Store(false)
		r, err := fn(ctx, now)
		done <- readResult{reading: r, err: err}
	}()
	defer cancel()

	select {
	case res := <-done:
		if res.err == nil {
			return res.reading, nil
		}
		if IsFatal(res.err) {
			g.log.Error().Err(res.err).Msg("sensor handle fault")
			return Unavailable(g.kind, now), fmt.Errorf("%s sensor: %w", g.kind, asFatal(res.err))
		}
		g.log.Warn().Err(res.err).Msg("transient read fault")
		return Unavailable(g.kind, now), nil
	case <-ctx.Done():
		g.log.Warn().Err(ctx.Err()).Dur("timeout", g.timeout).Msg("read did not complete")
		return Unavailable(g.kind, now), nil
	}
}

func asFatal(err error) error {
	if errors.Is(err, ErrHandleInvalid) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandleInvalid, err)
}

// EnvironmentSensor reads temperature and humidity
type EnvironmentSensor struct {
	dev   Hygrometer
	guard *guard
}

// NewEnvironmentSensor creates an environment adapter
func NewEnvironmentSensor(dev Hygrometer, opts Options) *EnvironmentSensor {
	return &EnvironmentSensor{dev: dev, guard: newGuard(KindEnvironment, opts)}
}

// Kind implements Adapter
func (s *EnvironmentSensor) Kind() Kind { return KindEnvironment }

// Read implements Adapter
func (s *EnvironmentSensor) Read(ctx context.Context) (Reading, error) {
	return s.guard.do(ctx, func(_ context.Context, at time.Time) (Reading, error) {
		tempC, err := s.dev.Temperature()
		if err != nil {
			return Reading{}, fmt.Errorf("read temperature: %w", err)
		}
		humidity, err := s.dev.Humidity()
		if err != nil {
			return Reading{}, fmt.Errorf("read humidity: %w", err)
		}
		if math.IsNaN(float64(tempC)) || math.IsNaN(float64(humidity)) {
			return Reading{}, errors.New("sensor returned NaN")
		}

		c := float64(tempC)
		return Reading{
			Kind:       KindEnvironment,
			CapturedAt: at,
			Environment: &Environment{
				TemperatureC: Round(c, 1),
				TemperatureF: Round(CelsiusToFahrenheit(c), 1),
				Humidity:     Round(float64(humidity), 1),
			},
		}, nil
	})
}

// MoistureSensor reads soil moisture through an ADC channel
type MoistureSensor struct {
	adc          AnalogReader
	channel      string
	levelChannel string
	fullScale    float64
	guard        *guard
}

// NewMoistureSensor creates a moisture adapter on the given ADC channel
func NewMoistureSensor(adc AnalogReader, channel string, fullScale float64, opts Options) *MoistureSensor {
	if fullScale <= 0 {
		fullScale = DefaultFullScaleVolts
	}
	return &MoistureSensor{
		adc:       adc,
		channel:   channel,
		fullScale: fullScale,
		guard:     newGuard(KindMoisture, opts),
	}
}

// WithLevelChannel also reads a water-level sensor on the same ADC and
// reports it as a percentage of full scale. An empty channel disables it.
func (s *MoistureSensor) WithLevelChannel(channel string) *MoistureSensor {
	s.levelChannel = channel
	return s
}

// Kind implements Adapter
func (s *MoistureSensor) Kind() Kind { return KindMoisture }

// Read implements Adapter
func (s *MoistureSensor) Read(ctx context.Context) (Reading, error) {
	return s.guard.do(ctx, func(_ context.Context, at time.Time) (Reading, error) {
		raw, err := s.adc.AnalogRead(s.channel)
		if err != nil {
			return Reading{}, fmt.Errorf("read channel %s: %w", s.channel, err)
		}
		m := &Moisture{
			ADC:     raw,
			Voltage: Round(ADCToVoltage(raw, s.fullScale), 2),
		}

		if s.levelChannel != "" {
			level, err := s.adc.AnalogRead(s.levelChannel)
			if err != nil {
				return Reading{}, fmt.Errorf("read level channel %s: %w", s.levelChannel, err)
			}
			pct := Round(ADCToPercent(level), 1)
			m.LevelPercent = &pct
		}

		return Reading{Kind: KindMoisture, CapturedAt: at, Moisture: m}, nil
	})
}

// LightSensor reads a BH1750 ambient light sensor
type LightSensor struct {
	dev    I2cDevice
	settle time.Duration
	guard  *guard
}

// NewLightSensor creates a light adapter. settle is the wait between the
// measurement command and the result read.
func NewLightSensor(dev I2cDevice, settle time.Duration, opts Options) *LightSensor {
	if settle <= 0 {
		settle = DefaultLightSettle
	}
	return &LightSensor{dev: dev, settle: settle, guard: newGuard(KindLight, opts)}
}

// Kind implements Adapter
func (s *LightSensor) Kind() Kind { return KindLight }

// Read implements Adapter
func (s *LightSensor) Read(ctx context.Context) (Reading, error) {
	return s.guard.do(ctx, func(ctx context.Context, at time.Time) (Reading, error) {
		if err := s.dev.WriteByte(bh1750OneTimeHighRes); err != nil {
			return Reading{}, fmt.Errorf("start measurement: %w", err)
		}

		t := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return Reading{}, ctx.Err()
		case <-t.C:
		}

		buf := make([]byte, 2)
		n, err := s.dev.Read(buf)
		if err != nil {
			return Reading{}, fmt.Errorf("read result: %w", err)
		}
		if n != len(buf) {
			return Reading{}, fmt.Errorf("short read: %d bytes", n)
		}
		return Reading{
			Kind:       KindLight,
			CapturedAt: at,
			Light:      &Light{Lux: Round(LuxFromRaw(buf[0], buf[1]), 2)},
		}, nil
	})
}

// WaterSensor reads a digital water presence sensor
type WaterSensor struct {
	pin   DigitalReader
	guard *guard
}

// NewWaterSensor creates a water adapter
func NewWaterSensor(pin DigitalReader, opts Options) *WaterSensor {
	return &WaterSensor{pin: pin, guard: newGuard(KindWater, opts)}
}

// Kind implements Adapter
func (s *WaterSensor) Kind() Kind { return KindWater }

// Read implements Adapter
func (s *WaterSensor) Read(ctx context.Context) (Reading, error) {
	return s.guard.do(ctx, func(_ context.Context, at time.Time) (Reading, error) {
		v, err := s.pin.DigitalRead()
		if err != nil {
			return Reading{}, fmt.Errorf("read pin: %w", err)
		}
		return Reading{
			Kind:       KindWater,
			CapturedAt: at,
			Water:      &Water{Detected: v != 0},
		}, nil
	})
}
