// Package convert maps between GORM models and core types.
package convert

import (
	"github.com/fivegen/aquariuslocation/internal/geo"
	"github.com/fivegen/aquariuslocation/internal/model"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// FixToLocation stores times in UTC so text-backed timestamps sort correctly.
func FixToLocation(f core.Fix) model.Location {
	return model.Location{
		ObservedAt: f.ObservedAt.UTC(),
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		Altitude:   f.Altitude,
		Accuracy:   f.Accuracy,
		Provider:   f.Provider,
		Position:   geo.Point4326(f),
	}
}

func LocationToFix(l model.Location) core.Fix {
	return core.Fix{
		Latitude:   l.Latitude,
		Longitude:  l.Longitude,
		Altitude:   l.Altitude,
		ObservedAt: l.ObservedAt.UTC(),
		Accuracy:   l.Accuracy,
		Provider:   l.Provider,
	}
}

func LocationsToFixes(ls []model.Location) []core.Fix {
	out := make([]core.Fix, len(ls))
	for i, l := range ls {
		out[i] = LocationToFix(l)
	}
	return out
}
