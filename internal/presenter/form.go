package presenter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/fivegen/aquariuslocation/internal/settings"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// ErrUnknownField is returned by Edit for a field the form does not have.
var ErrUnknownField = errors.New("unknown settings field")

// SettingsStore is the persistence the form reads from and applies to.
type SettingsStore interface {
	Get(ctx context.Context) (core.Settings, error)
	Set(ctx context.Context, s core.Settings) error
}

// Resetter restarts acquisition so applied settings take effect.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ParseLong applies the edit policy to an integer field: blank text is 0,
// text that does not parse or is negative leaves prev unchanged.
func ParseLong(text string, prev int64) int64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil || v < 0 {
		return prev
	}
	return v
}

// ParseFloat is ParseLong for the accuracy field.
func ParseFloat(text string, prev float32) float32 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	v, err := strconv.ParseFloat(text, 32)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return prev
	}
	return float32(v)
}

// SettingsForm holds the in-progress edit of the six settings fields.
type SettingsForm struct {
	store   SettingsStore
	session Resetter
	onClose func()

	mu     sync.Mutex
	values core.Settings
}

// NewSettingsForm creates a form showing the defaults until Load is called.
// onClose may be nil.
func NewSettingsForm(store SettingsStore, session Resetter, onClose func()) *SettingsForm {
	return &SettingsForm{
		store:   store,
		session: session,
		onClose: onClose,
		values:  core.DefaultSettings(),
	}
}

// Load replaces the form values with the stored settings. On error the
// values the store fell back to are shown and the error is returned.
func (f *SettingsForm) Load(ctx context.Context) error {
	s, err := f.store.Get(ctx)
	f.mu.Lock()
	f.values = s
	f.mu.Unlock()
	return err
}

// Values returns the current form values.
func (f *SettingsForm) Values() core.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values
}

// Edit feeds text typed into field through the edit policy. Field names
// are the persisted setting keys.
func (f *SettingsForm) Edit(field, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := &f.values
	switch field {
	case settings.KeyAcceptableTimePeriod:
		v.AcceptableTimePeriod = ParseLong(text, v.AcceptableTimePeriod)
	case settings.KeyRequiredTimeInterval:
		v.RequiredTimeInterval = ParseLong(text, v.RequiredTimeInterval)
	case settings.KeyRequiredDistanceInterval:
		v.RequiredDistanceInterval = ParseLong(text, v.RequiredDistanceInterval)
	case settings.KeyAcceptableAccuracy:
		v.AcceptableAccuracy = ParseFloat(text, v.AcceptableAccuracy)
	case settings.KeyGPSWaitPeriod:
		v.GPSWaitPeriod = ParseLong(text, v.GPSWaitPeriod)
	case settings.KeyNetworkWaitPeriod:
		v.NetworkWaitPeriod = ParseLong(text, v.NetworkWaitPeriod)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// EditAll applies Edit to every entry of fields. Nothing is edited when
// one of the fields is unknown.
func (f *SettingsForm) EditAll(fields map[string]string) error {
	for key := range fields {
		if !slices.Contains(settings.Keys, key) {
			return fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}
	for _, key := range settings.Keys {
		if text, ok := fields[key]; ok {
			if err := f.Edit(key, text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply persists all six fields, restarts acquisition and closes the form.
// A failed save neither resets nor closes.
func (f *SettingsForm) Apply(ctx context.Context) error {
	values := f.Values()
	if err := f.store.Set(ctx, values); err != nil {
		return err
	}
	if err := f.session.Reset(ctx); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}
