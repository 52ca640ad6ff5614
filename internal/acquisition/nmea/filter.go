package nmea

import (
	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/geo"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// filter drops fixes that are too inaccurate, and fixes that come sooner than
// the required time interval or nearer than the required distance to the
// previously delivered one.
type filter struct {
	cfg  acquisition.DefaultProviderConfiguration
	last *core.Fix
}

func (f *filter) accept(fix core.Fix) bool {
	if f.cfg.AcceptableAccuracy > 0 && fix.Accuracy > f.cfg.AcceptableAccuracy {
		return false
	}
	if f.last != nil {
		if !fix.ObservedAt.After(f.last.ObservedAt) {
			return false
		}
		soon := fix.ObservedAt.Sub(f.last.ObservedAt) < f.cfg.RequiredTimeInterval
		near := geo.DistanceMeters(*f.last, fix) < float64(f.cfg.RequiredDistanceInterval)
		if soon || near {
			return false
		}
	}
	f.last = &fix
	return true
}
