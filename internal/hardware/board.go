// Package hardware opens the Raspberry Pi peripherals through gobot and
// hands them to the sensor and actuator packages behind their interfaces.
package hardware

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/botanical/plant-controller/internal/config"
	"github.com/botanical/plant-controller/internal/sensor"
)

// Board owns every opened peripheral
type Board struct {
	adaptor  *raspi.Adaptor
	finalize func() error
	Pump     *gpio.RelayDriver
	Light    *gpio.RelayDriver
	Sensors  []sensor.Adapter
	started  []*gpio.RelayDriver
	log      zerolog.Logger
}

// pinWriter is the adaptor side of a relay driver
type pinWriter interface {
	gpio.DigitalWriter
	Name() string
	SetName(n string)
	Connect() error
	Finalize() error
}

// newRelay builds a relay driver; an active-low relay energizes on a low pin
func newRelay(a pinWriter, pin string, activeLow bool) *gpio.RelayDriver {
	if activeLow {
		return gpio.NewRelayDriver(a, pin, gpio.WithRelayInverted())
	}
	return gpio.NewRelayDriver(a, pin)
}

// Open connects to the board, starts the relay drivers and every enabled
// sensor. Any failure closes what was opened and is returned: a device
// that cannot reach its hardware must not start.
func Open(hw config.Hardware, opts sensor.Options, lightSettle time.Duration, log zerolog.Logger) (*Board, error) {
	log = log.With().Str("component", "hardware").Logger()

	r := raspi.NewAdaptor()
	if err := r.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi adaptor: %w", err)
	}

	b := &Board{adaptor: r, finalize: r.Finalize, log: log}
	if err := b.open(hw, opts, lightSettle); err != nil {
		return nil, b.abort(err)
	}
	return b, nil
}

// abort drives every started relay OFF, then releases the adaptor
func (b *Board) abort(err error) error {
	for _, relay := range b.started {
		if oerr := relay.Off(); oerr != nil {
			b.log.Error().Err(oerr).Str("pin", relay.Pin()).Msg("relay off failed")
			err = errors.Join(err, fmt.Errorf("relay on pin %s off: %w", relay.Pin(), oerr))
		}
	}
	if cerr := b.finalize(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("finalize adaptor: %w", cerr))
	}
	return err
}

func (b *Board) open(hw config.Hardware, opts sensor.Options, lightSettle time.Duration) error {
	b.Pump = newRelay(b.adaptor, hw.Relays.PumpPin, hw.Relays.ActiveLow)
	b.Light = newRelay(b.adaptor, hw.Relays.LightPin, hw.Relays.ActiveLow)
	for _, relay := range []*gpio.RelayDriver{b.Pump, b.Light} {
		if err := relay.Start(); err != nil {
			return fmt.Errorf("start relay on pin %s: %w", relay.Pin(), err)
		}
		b.started = append(b.started, relay)
		// a pin left energized by a previous run is switched off before
		// any sensor is opened
		if err := relay.Off(); err != nil {
			return fmt.Errorf("relay on pin %s off: %w", relay.Pin(), err)
		}
	}

	plan := Plan(hw)
	for _, kind := range plan {
		a, err := b.openSensor(kind, hw, opts, lightSettle)
		if err != nil {
			return fmt.Errorf("open %s sensor: %w", kind, err)
		}
		b.Sensors = append(b.Sensors, a)
	}

	b.log.Info().
		Str("pump_pin", hw.Relays.PumpPin).
		Str("light_pin", hw.Relays.LightPin).
		Interface("sensors", plan).
		Msg("hardware ready")
	return nil
}

func (b *Board) openSensor(kind sensor.Kind, hw config.Hardware, opts sensor.Options, lightSettle time.Duration) (sensor.Adapter, error) {
	switch kind {
	case sensor.KindEnvironment:
		d := i2c.NewSHT2xDriver(b.adaptor, i2c.WithBus(hw.I2CBus), i2c.WithAddress(hw.Environment.Address))
		if err := d.Start(); err != nil {
			return nil, err
		}
		return sensor.NewEnvironmentSensor(d, opts), nil

	case sensor.KindMoisture:
		d := i2c.NewADS1115Driver(b.adaptor, i2c.WithBus(hw.I2CBus), i2c.WithAddress(hw.Moisture.Address))
		if err := d.Start(); err != nil {
			return nil, err
		}
		return sensor.NewMoistureSensor(d, hw.Moisture.Channel, hw.Moisture.FullScale, opts).
			WithLevelChannel(hw.Moisture.LevelChannel), nil

	case sensor.KindLight:
		conn, err := b.adaptor.GetI2cConnection(hw.Light.Address, hw.I2CBus)
		if err != nil {
			return nil, err
		}
		return sensor.NewLightSensor(conn, lightSettle, opts), nil

	case sensor.KindWater:
		d := gpio.NewDirectPinDriver(b.adaptor, hw.Water.Pin)
		if err := d.Start(); err != nil {
			return nil, err
		}
		return sensor.NewWaterSensor(d, opts), nil
	}
	return nil, fmt.Errorf("unknown sensor kind %q", kind)
}

// Close releases the adaptor and every pin and bus it opened. Callers drive
// the relays OFF before closing.
func (b *Board) Close() error {
	if err := b.finalize(); err != nil {
		return fmt.Errorf("finalize adaptor: %w", err)
	}
	b.log.Info().Msg("hardware released")
	return nil
}

// Plan lists the enabled sensor kinds in payload order
func Plan(hw config.Hardware) []sensor.Kind {
	var kinds []sensor.Kind
	if hw.Environment.Enabled {
		kinds = append(kinds, sensor.KindEnvironment)
	}
	if hw.Moisture.Enabled {
		kinds = append(kinds, sensor.KindMoisture)
	}
	if hw.Light.Enabled {
		kinds = append(kinds, sensor.KindLight)
	}
	if hw.Water.Enabled {
		kinds = append(kinds, sensor.KindWater)
	}
	return kinds
}
