package geo

import (
	"errors"
	"math"

	"github.com/fivegen/aquariuslocation/pkg/core"
	kgeo "github.com/kellydunn/golang-geo"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Points are kept in EPSG:4326 (X=longitude, Y=latitude, Z=altitude) for
// storage and GeoJSON, and projected to EPSG:3857 only for map output.

// ErrInvalidCoordinates is returned when a latitude or longitude is out of range.
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ValidCoordinates checks WGS84 ranges.
func ValidCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Point4326 returns the fix as an XYZ point.
func Point4326(f core.Fix) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: f.Longitude, Y: f.Latitude},
		Z:    f.Altitude,
		Type: geom.DimXYZ,
	})
}

// Coords3857From4326 projects a longitude/latitude pair to web mercator.
func Coords3857From4326(longitude, latitude float64) (geom.Point, error) {
	if err := ValidCoordinates(latitude, longitude); err != nil {
		return geom.NewEmptyPoint(geom.DimXY), err
	}
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(longitude, latitude, 0)
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}}), nil
}

// DistanceMeters is the great circle distance between two fixes.
func DistanceMeters(a, b core.Fix) float64 {
	pa := kgeo.NewPoint(a.Latitude, a.Longitude)
	pb := kgeo.NewPoint(b.Latitude, b.Longitude)
	return pa.GreatCircleDistance(pb) * 1000
}
