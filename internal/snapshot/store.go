// Package snapshot holds the device's single live view of its sensors.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/botanical/plant-controller/internal/sensor"
	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is the status server refresh period
const DefaultRefreshInterval = 2 * time.Second

// Snapshot is the aggregated result of one read of every configured sensor
type Snapshot struct {
	DeviceID string
	TakenAt  time.Time
	Readings map[sensor.Kind]sensor.Reading
}

// Clone returns a copy that shares nothing mutable with s
func (s Snapshot) Clone() Snapshot {
	readings := make(map[sensor.Kind]sensor.Reading, len(s.Readings))
	for k, r := range s.Readings {
		readings[k] = r
	}
	s.Readings = readings
	return s
}

// Reading returns the reading for kind if it is present and available
func (s Snapshot) Reading(kind sensor.Kind) (sensor.Reading, bool) {
	r, ok := s.Readings[kind]
	if !ok || !r.Available() {
		return sensor.Reading{}, false
	}
	return r, true
}

// Reader reads every sensor a device carries
type Reader interface {
	ReadAll(ctx context.Context) (map[sensor.Kind]sensor.Reading, error)
}

// Store guards the live snapshot. Sensors are read outside the lock; the
// lock is only held to swap or copy the snapshot.
type Store struct {
	deviceID string
	reader   Reader
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	snap  Snapshot
	ready bool

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// NewStore creates an empty store for a device
func NewStore(deviceID string, reader Reader, log zerolog.Logger) *Store {
	return &Store{
		deviceID: deviceID,
		reader:   reader,
		log:      log.With().Str("component", "snapshot").Logger(),
		now:      time.Now,
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// Refresh reads all sensors and replaces the live snapshot. A non-nil error
// is a fatal sensor fault and leaves the previous snapshot in place.
func (s *Store) Refresh(ctx context.Context) (Snapshot, error) {
	readings, err := s.reader.ReadAll(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("refresh snapshot: %w", err)
	}

	next := Snapshot{DeviceID: s.deviceID, TakenAt: s.now(), Readings: readings}

	s.mu.Lock()
	s.snap = next
	s.ready = true
	s.mu.Unlock()

	out := next.Clone()
	s.publish(out)
	return out, nil
}

// Get returns a copy of the live snapshot; false until the first refresh
func (s *Store) Get() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return Snapshot{}, false
	}
	return s.snap.Clone(), true
}

// Run refreshes the snapshot every interval until ctx ends or a sensor
// handle fails.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if _, err := s.Refresh(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.log.Error().Err(err).Msg("sensor refresh failed")
				return err
			}
		}
	}
}

// Subscribe returns a channel receiving every new snapshot and a function
// that ends the subscription. Snapshots are dropped for a subscriber whose
// buffer is full.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 4)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			s.log.Debug().Msg("subscriber behind, dropping snapshot")
		}
	}
}
