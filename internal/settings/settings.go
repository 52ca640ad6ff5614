// Package settings persists the acquisition tuning parameters as six keys
// of a flat key/value namespace.
package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// Persisted key names.
const (
	KeyAcceptableTimePeriod     = "acceptableTimePeriod"
	KeyRequiredTimeInterval     = "requiredTimeInterval"
	KeyRequiredDistanceInterval = "requiredDistanceInterval"
	KeyAcceptableAccuracy       = "acceptableAccuracy"
	KeyGPSWaitPeriod            = "gpsWaitPeriod"
	KeyNetworkWaitPeriod        = "networkWaitPeriod"
)

// Keys lists every persisted key in display order.
var Keys = []string{
	KeyAcceptableTimePeriod,
	KeyRequiredTimeInterval,
	KeyRequiredDistanceInterval,
	KeyAcceptableAccuracy,
	KeyGPSWaitPeriod,
	KeyNetworkWaitPeriod,
}

// Encode renders all six fields.
func Encode(s core.Settings) map[string]string {
	return map[string]string{
		KeyAcceptableTimePeriod:     strconv.FormatInt(s.AcceptableTimePeriod, 10),
		KeyRequiredTimeInterval:     strconv.FormatInt(s.RequiredTimeInterval, 10),
		KeyRequiredDistanceInterval: strconv.FormatInt(s.RequiredDistanceInterval, 10),
		KeyAcceptableAccuracy:       strconv.FormatFloat(float64(s.AcceptableAccuracy), 'g', -1, 32),
		KeyGPSWaitPeriod:            strconv.FormatInt(s.GPSWaitPeriod, 10),
		KeyNetworkWaitPeriod:        strconv.FormatInt(s.NetworkWaitPeriod, 10),
	}
}

// Decode starts from the defaults and overlays every stored key that
// parses. It reports the keys whose stored value was unreadable.
func Decode(values map[string]string) (core.Settings, []string) {
	s := core.DefaultSettings()
	var bad []string

	ints := map[string]*int64{
		KeyAcceptableTimePeriod:     &s.AcceptableTimePeriod,
		KeyRequiredTimeInterval:     &s.RequiredTimeInterval,
		KeyRequiredDistanceInterval: &s.RequiredDistanceInterval,
		KeyGPSWaitPeriod:            &s.GPSWaitPeriod,
		KeyNetworkWaitPeriod:        &s.NetworkWaitPeriod,
	}
	for _, key := range Keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		if key == KeyAcceptableAccuracy {
			v, err := strconv.ParseFloat(raw, 32)
			if err != nil {
				bad = append(bad, key)
				continue
			}
			s.AcceptableAccuracy = float32(v)
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			bad = append(bad, key)
			continue
		}
		*ints[key] = v
	}
	return s, bad
}

// Store reads and writes snapshots through a storage backend.
type Store struct {
	backend storage.Backend
}

// NewStore creates a settings store on backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the stored snapshot; keys never written keep their defaults.
// On a backend error the defaults are returned together with the error.
func (s *Store) Get(ctx context.Context) (core.Settings, error) {
	values, err := s.backend.LoadSettings(ctx)
	if err != nil {
		return core.DefaultSettings(), fmt.Errorf("load settings: %w", err)
	}
	snap, bad := Decode(values)
	if len(bad) > 0 {
		return snap, fmt.Errorf("unreadable settings %v, defaults used", bad)
	}
	return snap, nil
}

// Set writes all six fields in one backend call.
func (s *Store) Set(ctx context.Context, snap core.Settings) error {
	if err := s.backend.SaveSettings(ctx, Encode(snap)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Revisions returns the audit trail when the backend keeps one.
func (s *Store) Revisions(ctx context.Context, limit int) ([]storage.Revision, error) {
	lister, ok := s.backend.(storage.RevisionLister)
	if !ok {
		return nil, nil
	}
	return lister.Revisions(ctx, limit)
}
