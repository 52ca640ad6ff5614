// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// ErrDuplicateFix is returned when a fix with the same observation time is
// already stored.
var ErrDuplicateFix = errors.New("fix already stored for this observation time")

// Backend is the interface all storage implementations must satisfy.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Location history, one record per fix keyed by observation time.
	InsertFix(ctx context.Context, f core.Fix) error
	Fixes(ctx context.Context) ([]core.Fix, error) // ordered by observation time
	DeleteFixes(ctx context.Context) error

	// Settings, a flat key/value namespace written all at once.
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Durable is implemented by backends whose contents survive a restart.
type Durable interface {
	Durable() bool
}

// IsDurable reports whether b keeps data across restarts.
func IsDurable(b Backend) bool {
	d, ok := b.(Durable)
	return ok && d.Durable()
}

// Revision is one applied settings snapshot.
type Revision struct {
	AppliedAt time.Time         `json:"appliedAt"`
	Values    map[string]string `json:"values"`
}

// RevisionLister is implemented by backends that keep a settings audit trail.
type RevisionLister interface {
	Revisions(ctx context.Context, limit int) ([]Revision, error)
}
