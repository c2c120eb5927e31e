// Package actuator drives the pump and grow-light relays and guarantees
// both are left OFF whenever the controller is shut down.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Output names a controlled relay
type Output string

const (
	Pump  Output = "pump"
	Light Output = "light"
)

// ErrClosed is returned by operations after Shutdown
var ErrClosed = errors.New("actuator controller is shut down")

// Switch is a single relay output
type Switch interface {
	On() error
	Off() error
}

// WriteError reports a failed hardware write to an output
type WriteError struct {
	Output Output
	On     bool
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Output, onOff(e.On), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// State is the on/off state of both outputs
type State struct {
	Pump  bool `json:"pump"`
	Light bool `json:"light"`
}

// Observer is notified of every confirmed output transition
type Observer func(out Output, on bool)

type output struct {
	name  Output
	sw    Switch
	on    bool
	known bool // false after a failed write
}

// Controller owns the relay outputs
type Controller struct {
	mu       sync.Mutex
	dwell    chan struct{} // held by one RunPump at a time
	pump     *output
	light    *output
	release  func() error
	closed   bool
	log      zerolog.Logger
	observer Observer
}

// New creates a controller and drives both outputs OFF. If that fails the
// controller is shut down (release included) and the error returned.
func New(log zerolog.Logger, pump, light Switch, release func() error, observer Observer) (*Controller, error) {
	c := &Controller{
		dwell:    make(chan struct{}, 1),
		pump:     &output{name: Pump, sw: pump},
		light:    &output{name: Light, sw: light},
		release:  release,
		log:      log.With().Str("component", "actuator").Logger(),
		observer: observer,
	}

	c.mu.Lock()
	err := errors.Join(c.write(c.pump, false), c.write(c.light, false))
	c.mu.Unlock()

	if err != nil {
		if serr := c.Shutdown(); serr != nil {
			err = errors.Join(err, serr)
		}
		return nil, fmt.Errorf("initialise outputs: %w", err)
	}
	return c, nil
}

// SetPump switches the pump relay
func (c *Controller) SetPump(on bool) error {
	return c.set(c.pump, on)
}

// SetLight switches the grow-light relay
func (c *Controller) SetLight(on bool) error {
	return c.set(c.light, on)
}

// RunPump runs the pump for dwell and then switches it off. The OFF write is
// attempted even when the ON write failed or ctx ended the wait early.
// Overlapping runs queue behind each other so one caller's OFF never cuts
// another caller's dwell short.
func (c *Controller) RunPump(ctx context.Context, dwell time.Duration) error {
	select {
	case c.dwell <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.dwell }()

	onErr := c.SetPump(true)
	if errors.Is(onErr, ErrClosed) {
		return onErr
	}

	var waitErr error
	if onErr == nil {
		t := time.NewTimer(dwell)
		select {
		case <-ctx.Done():
			t.Stop()
			waitErr = ctx.Err()
			c.log.Warn().Msg("pump dwell interrupted, switching off early")
		case <-t.C:
		}
	}

	offErr := c.SetPump(false)
	return errors.Join(onErr, offErr, waitErr)
}

// State returns the current output state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Pump: c.pump.on, Light: c.light.on}
}

// Shutdown drives every output OFF regardless of its cached state and then
// releases the hardware. A failure on one output does not stop the others.
// Calls after the first are no-ops.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, o := range []*output{c.pump, c.light} {
		if err := c.forceOff(o); err != nil {
			errs = append(errs, err)
		}
	}
	if c.release != nil {
		if err := c.release(); err != nil {
			errs = append(errs, fmt.Errorf("release hardware: %w", err))
		}
	}

	if len(errs) > 0 {
		c.log.Error().Errs("errors", errs).Msg("shutdown incomplete")
		return errors.Join(errs...)
	}
	c.log.Info().Msg("outputs off, hardware released")
	return nil
}

func (c *Controller) set(o *output, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if o.known && o.on == on {
		return nil
	}
	return c.write(o, on)
}

// forceOff writes OFF even when the output is already known to be off
func (c *Controller) forceOff(o *output) error {
	wasOn := o.on || !o.known
	if err := o.sw.Off(); err != nil {
		o.known = false
		return &WriteError{Output: o.name, On: false, Err: err}
	}
	o.on, o.known = false, true
	if wasOn {
		c.transitioned(o.name, false)
	}
	return nil
}

func (c *Controller) write(o *output, on bool) error {
	var err error
	if on {
		err = o.sw.On()
	} else {
		err = o.sw.Off()
	}
	if err != nil {
		o.known = false
		c.log.Error().Err(err).Str("output", string(o.name)).Str("target", onOff(on)).Msg("relay write failed")
		return &WriteError{Output: o.name, On: on, Err: err}
	}

	o.on, o.known = on, true
	c.transitioned(o.name, on)
	return nil
}

func (c *Controller) transitioned(out Output, on bool) {
	c.log.Info().Str("output", string(out)).Str("state", onOff(on)).Msg("relay switched")
	if c.observer != nil {
		c.observer(out, on)
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
