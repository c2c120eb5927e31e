package sensor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Set is the capability set of a device: the subset of sensor kinds it
// actually carries. Kinds outside the set never appear in its results.
type Set struct {
	adapters []Adapter
}

// NewSet builds a capability set. At most one adapter per kind is allowed.
func NewSet(adapters ...Adapter) (*Set, error) {
	seen := make(map[Kind]bool, len(adapters))
	for _, a := range adapters {
		if seen[a.Kind()] {
			return nil, fmt.Errorf("duplicate %s sensor", a.Kind())
		}
		seen[a.Kind()] = true
	}
	return &Set{adapters: adapters}, nil
}

// Kinds returns the configured sensor kinds
func (s *Set) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.adapters))
	for _, a := range s.adapters {
		kinds = append(kinds, a.Kind())
	}
	return kinds
}

// ReadAll reads every sensor concurrently and returns one reading per
// configured kind. The only error it returns is a fatal handle fault.
func (s *Set) ReadAll(ctx context.Context) (map[Kind]Reading, error) {
	results := make([]Reading, len(s.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range s.adapters {
		i, a := i, a
		g.Go(func() error {
			r, err := a.Read(gctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	readings := make(map[Kind]Reading, len(results))
	for _, r := range results {
		readings[r.Kind] = r
	}
	return readings, nil
}
