// Package sensor reads the plant's environment, moisture, light and water
// sensors and turns raw hardware values into structured readings.
package sensor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

// Kind identifies one of the sensor families a device can carry
type Kind string

const (
	KindEnvironment Kind = "environment"
	KindMoisture    Kind = "moisture"
	KindLight       Kind = "light"
	KindWater       Kind = "water"
)

// AllKinds lists every sensor kind in payload order
var AllKinds = []Kind{KindEnvironment, KindMoisture, KindLight, KindWater}

// ErrHandleInvalid marks a fault of the hardware handle itself. Reads that
// fail with it must not be reported as a transient Unavailable reading.
var ErrHandleInvalid = errors.New("sensor handle invalid")

// Environment is a temperature/humidity measurement
type Environment struct {
	TemperatureC float64
	TemperatureF float64
	Humidity     float64
}

// Moisture is a soil moisture measurement
type Moisture struct {
	ADC     int
	Voltage float64

	// reservoir level from a second ADC channel, nil when none is wired
	LevelPercent *float64
}

// Light is an ambient light measurement
type Light struct {
	Lux float64
}

// Water is a water presence measurement
type Water struct {
	Detected bool
}

// Reading is the result of one sensor read. Exactly one payload field is
// set for an available reading; none for an unavailable one.
type Reading struct {
	Kind        Kind
	CapturedAt  time.Time
	Environment *Environment
	Moisture    *Moisture
	Light       *Light
	Water       *Water
}

// Unavailable returns the marker reading for a failed read
func Unavailable(kind Kind, at time.Time) Reading {
	return Reading{Kind: kind, CapturedAt: at}
}

// Available reports whether the reading carries a measurement
func (r Reading) Available() bool {
	return r.Environment != nil || r.Moisture != nil || r.Light != nil || r.Water != nil
}

// Adapter reads a single sensor.
//
// Read returns an Unavailable reading and a nil error for transient faults.
// A non-nil error always wraps ErrHandleInvalid and is fatal to the caller.
type Adapter interface {
	Kind() Kind
	Read(ctx context.Context) (Reading, error)
}

// IsFatal reports whether err means the underlying handle is unusable
func IsFatal(err error) bool {
	return errors.Is(err, ErrHandleInvalid) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ENODEV)
}
