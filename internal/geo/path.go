package geo

import (
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// Projection selects the coordinate system of rendered geometries.
type Projection int

const (
	WGS84 Projection = iota
	WebMercator
)

// Path builds a line through the fixes in order. Fewer than two fixes
// yield an empty line.
func Path(fixes []core.Fix, proj Projection) geom.LineString {
	if len(fixes) < 2 {
		return geom.LineString{}
	}
	flat := make([]float64, 0, len(fixes)*2)
	for _, f := range fixes {
		x, y := project(f, proj)
		flat = append(flat, x, y)
	}
	return geom.NewLineString(geom.NewSequence(flat, geom.DimXY))
}

// Marker is the point of a single fix.
func Marker(f core.Fix, proj Projection) geom.Point {
	x, y := project(f, proj)
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}})
}

func project(f core.Fix, proj Projection) (float64, float64) {
	if proj == WebMercator {
		if p, err := Coords3857From4326(f.Longitude, f.Latitude); err == nil {
			if c, ok := p.Coordinates(); ok {
				return c.X, c.Y
			}
		}
	}
	return f.Longitude, f.Latitude
}

// FixesCollection renders every fix as a point feature carrying its time
// and altitude, followed by the path when there are at least two fixes.
func FixesCollection(fixes []core.Fix, proj Projection) geom.GeoJSONFeatureCollection {
	fc := make(geom.GeoJSONFeatureCollection, 0, len(fixes)+1)
	for i, f := range fixes {
		props := map[string]interface{}{
			"observedAt": f.ObservedAt.UTC().Format(time.RFC3339Nano),
			"altitude":   f.Altitude,
		}
		if f.Provider != "" {
			props["provider"] = f.Provider
		}
		if f.Accuracy > 0 {
			props["accuracy"] = f.Accuracy
		}
		fc = append(fc, geom.GeoJSONFeature{
			ID:         i,
			Geometry:   Marker(f, proj).AsGeometry(),
			Properties: props,
		})
	}
	if len(fixes) >= 2 {
		fc = append(fc, geom.GeoJSONFeature{
			ID:         "path",
			Geometry:   Path(fixes, proj).AsGeometry(),
			Properties: map[string]interface{}{"kind": "path"},
		})
	}
	return fc
}
