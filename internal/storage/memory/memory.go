// internal/storage/memory/memory.go
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// Backend keeps history and settings in process memory. Nothing survives a
// restart unless OutputDir is set, in which case the history is exported
// on Close.
type Backend struct {
	cfg config.MemoryConfig

	fixes    []core.Fix
	keys     map[int64]struct{} // observation times already stored, unix nanos
	settings map[string]string

	lastExport string
	now        func() time.Time
	mu         sync.RWMutex
}

// New creates an empty in-memory backend.
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:      cfg,
		keys:     make(map[int64]struct{}),
		settings: make(map[string]string),
		now:      time.Now,
	}
}

func (b *Backend) Init() error {
	return nil
}

// Close exports the history when an output directory is configured.
func (b *Backend) Close() error {
	if b.cfg.OutputDir == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := WriteExport(b.cfg.OutputDir, b.cfg.CompressOutput, b.fixes, b.now())
	if err != nil {
		return err
	}
	b.lastExport = path
	return nil
}

// ExportedFilePath is the file written by the last Close, if any.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExport
}

func (b *Backend) InsertFix(_ context.Context, f core.Fix) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := f.ObservedAt.UnixNano()
	if _, ok := b.keys[key]; ok {
		return storage.ErrDuplicateFix
	}
	b.keys[key] = struct{}{}
	b.fixes = append(b.fixes, f)
	return nil
}

func (b *Backend) Fixes(_ context.Context) ([]core.Fix, error) {
	b.mu.RLock()
	out := make([]core.Fix, len(b.fixes))
	copy(out, b.fixes)
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func (b *Backend) DeleteFixes(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fixes = nil
	b.keys = make(map[int64]struct{})
	return nil
}

func (b *Backend) LoadSettings(_ context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.settings), nil
}

// SaveSettings swaps in a merged copy under the lock, so readers see either
// the old or the new values, never a mix.
func (b *Backend) SaveSettings(_ context.Context, values map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := maps.Clone(b.settings)
	maps.Copy(next, values)
	b.settings = next
	return nil
}
