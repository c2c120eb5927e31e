package sensor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type fakeHygrometer struct {
	temp, humidity float32
	err            error
}

func (f *fakeHygrometer) Temperature() (float32, error) { return f.temp, f.err }
func (f *fakeHygrometer) Humidity() (float32, error)    { return f.humidity, f.err }

type fakeADC struct {
	raw      int
	err      error
	channel  string
	channels map[string]int // per-channel values, overriding raw
	failOn   string
}

func (f *fakeADC) AnalogRead(pin string) (int, error) {
	if pin == f.failOn {
		return 0, errors.New("i2c read failed")
	}
	f.channel = pin
	if v, ok := f.channels[pin]; ok {
		return v, nil
	}
	return f.raw, f.err
}

type fakeBH1750 struct {
	mu      sync.Mutex
	written []byte
	data    []byte
	err     error
}

func (f *fakeBH1750) WriteByte(val byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, val)
	return nil
}

func (f *fakeBH1750) Read(b []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return copy(b, f.data), nil
}

type fakePin struct {
	value int
	err   error
	block chan struct{}
}

func (f *fakePin) DigitalRead() (int, error) {
	if f.block != nil {
		<-f.block
	}
	return f.value, f.err
}

func testOptions() Options {
	return Options{Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()}
}

func TestConversions(t *testing.T) {
	is := is.New(t)

	is.Equal(CelsiusToFahrenheit(0), 32.0)
	is.Equal(CelsiusToFahrenheit(100), 212.0)
	is.Equal(Round(ADCToVoltage(12000, DefaultFullScaleVolts), 2), 1.5)
	is.Equal(ADCToPercent(adcMaxCounts), 100.0)
	is.Equal(ADCToPercent(-5), 0.0)
	is.Equal(Round(LuxFromRaw(0x01, 0x80), 2), 320.0) // 384 counts / 1.2
	is.Equal(Round(21.46, 1), 21.5)
}

func TestEnvironmentSensorConvertsAndRounds(t *testing.T) {
	is := is.New(t)

	s := NewEnvironmentSensor(&fakeHygrometer{temp: 22.37, humidity: 55.56}, testOptions())
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.True(r.Available())
	is.Equal(r.Kind, KindEnvironment)
	is.Equal(r.Environment.TemperatureC, 22.4)
	is.Equal(r.Environment.TemperatureF, 72.3)
	is.Equal(r.Environment.Humidity, 55.6)
}

func TestTransientFaultIsUnavailable(t *testing.T) {
	is := is.New(t)

	s := NewEnvironmentSensor(&fakeHygrometer{err: errors.New("checksum did not validate")}, testOptions())
	r, err := s.Read(context.Background())
	is.NoErr(err)           // transient faults must not propagate
	is.True(!r.Available()) // reading should be marked unavailable
	is.Equal(r.Kind, KindEnvironment)
}

func TestInvalidHandleIsFatal(t *testing.T) {
	is := is.New(t)

	s := NewMoistureSensor(&fakeADC{err: os.ErrClosed}, "2", 0, testOptions())
	r, err := s.Read(context.Background())
	is.True(err != nil)
	is.True(errors.Is(err, ErrHandleInvalid))
	is.True(!r.Available())
}

func TestMoistureSensorReadsConfiguredChannel(t *testing.T) {
	is := is.New(t)

	adc := &fakeADC{raw: 12000}
	s := NewMoistureSensor(adc, "2", DefaultFullScaleVolts, testOptions())
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.Equal(adc.channel, "2")
	is.Equal(r.Moisture.ADC, 12000)
	is.Equal(r.Moisture.Voltage, 1.5)
	is.True(r.Moisture.LevelPercent == nil) // no level sensor configured
}

func TestMoistureSensorReadsLevelChannel(t *testing.T) {
	is := is.New(t)

	adc := &fakeADC{channels: map[string]int{"2": 12000, "3": 16384}}
	s := NewMoistureSensor(adc, "2", DefaultFullScaleVolts, testOptions()).WithLevelChannel("3")
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.Equal(r.Moisture.ADC, 12000)
	is.True(r.Moisture.LevelPercent != nil)
	is.Equal(*r.Moisture.LevelPercent, 50.0)
}

func TestMoistureLevelFaultIsUnavailable(t *testing.T) {
	is := is.New(t)

	adc := &fakeADC{raw: 12000, failOn: "3"}
	s := NewMoistureSensor(adc, "2", DefaultFullScaleVolts, testOptions()).WithLevelChannel("3")
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.True(!r.Available())
}

func TestLightSensorCommandsOneTimeMeasurement(t *testing.T) {
	is := is.New(t)

	dev := &fakeBH1750{data: []byte{0x01, 0x80}}
	s := NewLightSensor(dev, 10*time.Millisecond, testOptions())

	start := time.Now()
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.True(time.Since(start) >= 10*time.Millisecond) // settle delay honoured
	is.Equal(dev.written, []byte{bh1750OneTimeHighRes})
	is.Equal(r.Light.Lux, 320.0)
}

func TestLightSensorShortReadIsUnavailable(t *testing.T) {
	is := is.New(t)

	dev := &fakeBH1750{data: []byte{0x01}}
	s := NewLightSensor(dev, time.Millisecond, testOptions())
	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.True(!r.Available())
}

func TestReadTimeoutIsUnavailableAndDoesNotOverlap(t *testing.T) {
	is := is.New(t)

	pin := &fakePin{value: 1, block: make(chan struct{})}
	s := NewWaterSensor(pin, Options{Timeout: 20 * time.Millisecond, Logger: zerolog.Nop()})

	r, err := s.Read(context.Background())
	is.NoErr(err)
	is.True(!r.Available()) // timed out read

	// the first read is still blocked on the handle
	r, err = s.Read(context.Background())
	is.NoErr(err)
	is.True(!r.Available())

	close(pin.block)
	is.True(waitFor(func() bool { return !s.guard.busy.Load() }))

	r, err = s.Read(context.Background())
	is.NoErr(err)
	is.True(r.Available())
	is.True(r.Water.Detected)
}

func TestSetReadsOnlyConfiguredKinds(t *testing.T) {
	is := is.New(t)

	set, err := NewSet(
		NewLightSensor(&fakeBH1750{data: []byte{0x00, 0x0C}}, time.Millisecond, testOptions()),
		NewWaterSensor(&fakePin{value: 0}, testOptions()),
	)
	is.NoErr(err)
	is.Equal(set.Kinds(), []Kind{KindLight, KindWater})

	readings, err := set.ReadAll(context.Background())
	is.NoErr(err)
	is.Equal(len(readings), 2)
	_, ok := readings[KindEnvironment]
	is.True(!ok) // absent capability must not populate a key
	is.Equal(readings[KindLight].Light.Lux, 10.0)
	is.Equal(readings[KindWater].Water.Detected, false)
}

func TestSetPropagatesFatalFault(t *testing.T) {
	is := is.New(t)

	set, err := NewSet(
		NewWaterSensor(&fakePin{err: ErrHandleInvalid}, testOptions()),
		NewEnvironmentSensor(&fakeHygrometer{temp: 20, humidity: 40}, testOptions()),
	)
	is.NoErr(err)

	_, err = set.ReadAll(context.Background())
	is.True(errors.Is(err, ErrHandleInvalid))
}

func TestSetRejectsDuplicateKinds(t *testing.T) {
	is := is.New(t)

	_, err := NewSet(
		NewWaterSensor(&fakePin{}, testOptions()),
		NewWaterSensor(&fakePin{}, testOptions()),
	)
	is.True(err != nil)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
