package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botanical/plant-controller/internal/sensor"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type fakeReader struct {
	calls    atomic.Int32
	readings map[sensor.Kind]sensor.Reading
	err      error
}

func (f *fakeReader) ReadAll(context.Context) (map[sensor.Kind]sensor.Reading, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[sensor.Kind]sensor.Reading, len(f.readings))
	for k, v := range f.readings {
		out[k] = v
	}
	return out, nil
}

var capturedAt = time.Date(2024, 5, 1, 14, 30, 5, 0, time.Local)

func lightAndWater() map[sensor.Kind]sensor.Reading {
	return map[sensor.Kind]sensor.Reading{
		sensor.KindLight: {Kind: sensor.KindLight, CapturedAt: capturedAt, Light: &sensor.Light{Lux: 320}},
		sensor.KindWater: {Kind: sensor.KindWater, CapturedAt: capturedAt, Water: &sensor.Water{Detected: true}},
	}
}

func TestGetBeforeRefreshIsNotReady(t *testing.T) {
	is := is.New(t)

	s := NewStore("plant-1", &fakeReader{}, zerolog.Nop())
	_, ok := s.Get()
	is.True(!ok)
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	is := is.New(t)

	s := NewStore("plant-1", &fakeReader{readings: lightAndWater()}, zerolog.Nop())
	_, err := s.Refresh(context.Background())
	is.NoErr(err)

	snap, ok := s.Get()
	is.True(ok)
	is.Equal(snap.DeviceID, "plant-1")
	is.Equal(len(snap.Readings), 2)

	// callers get a copy
	delete(snap.Readings, sensor.KindLight)
	again, _ := s.Get()
	is.Equal(len(again.Readings), 2)
}

func TestFatalRefreshKeepsPreviousSnapshot(t *testing.T) {
	is := is.New(t)

	r := &fakeReader{readings: lightAndWater()}
	s := NewStore("plant-1", r, zerolog.Nop())
	_, err := s.Refresh(context.Background())
	is.NoErr(err)

	r.err = sensor.ErrHandleInvalid
	_, err = s.Refresh(context.Background())
	is.True(errors.Is(err, sensor.ErrHandleInvalid))

	snap, ok := s.Get()
	is.True(ok)
	is.Equal(len(snap.Readings), 2)
}

func TestPayloadCarriesAllKeysWithNulls(t *testing.T) {
	is := is.New(t)

	snap := Snapshot{DeviceID: "plant-1", Readings: lightAndWater()}
	snap.Readings[sensor.KindMoisture] = sensor.Unavailable(sensor.KindMoisture, capturedAt)

	body, err := json.Marshal(Payload(snap))
	is.NoErr(err)

	var decoded map[string]any
	is.NoErr(json.Unmarshal(body, &decoded))
	for _, key := range []string{"device_id", "environment", "moisture", "light", "water"} {
		_, ok := decoded[key]
		is.True(ok) // every key present
	}
	is.Equal(decoded["environment"], nil) // absent capability
	is.Equal(decoded["moisture"], nil)    // unavailable reading
	is.Equal(decoded["light"], map[string]any{"lux": 320.0})
	is.Equal(decoded["water"], map[string]any{"water_detected": true})
}

func TestPayloadEnvironmentTimestamp(t *testing.T) {
	is := is.New(t)

	snap := Snapshot{DeviceID: "plant-1", Readings: map[sensor.Kind]sensor.Reading{
		sensor.KindEnvironment: {
			Kind:        sensor.KindEnvironment,
			CapturedAt:  capturedAt,
			Environment: &sensor.Environment{TemperatureC: 21.5, TemperatureF: 70.7, Humidity: 40.2},
		},
	}}

	p := Payload(snap)
	is.True(p.Environment != nil)
	is.Equal(p.Environment.Timestamp, "2024-05-01 14:30:05")
	is.Equal(p.Environment.TemperatureF, 70.7)
}

func TestSubscribersReceiveRefreshes(t *testing.T) {
	is := is.New(t)

	s := NewStore("plant-1", &fakeReader{readings: lightAndWater()}, zerolog.Nop())
	ch, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Refresh(context.Background())
	is.NoErr(err)

	select {
	case snap := <-ch:
		is.Equal(snap.DeviceID, "plant-1")
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestSlowSubscriberDoesNotBlockRefresh(t *testing.T) {
	is := is.New(t)

	s := NewStore("plant-1", &fakeReader{readings: lightAndWater()}, zerolog.Nop())
	_, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 20; i++ {
		_, err := s.Refresh(context.Background())
		is.NoErr(err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	is := is.New(t)

	r := &fakeReader{readings: lightAndWater()}
	s := NewStore("plant-1", r, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, 10*time.Millisecond)
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.True(r.calls.Load() >= 2)
}
