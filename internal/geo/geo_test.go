package geo

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fix(lat, lon float64) core.Fix {
	return core.Fix{Latitude: lat, Longitude: lon, ObservedAt: time.Date(2024, 5, 1, 7, 5, 9, 0, time.UTC)}
}

func TestValidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		ok       bool
	}{
		{"origin", 0, 0, true},
		{"corners", -90, 180, true},
		{"lat too high", 90.1, 0, false},
		{"lon too low", 0, -180.5, false},
		{"nan", math.NaN(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidCoordinates(tt.lat, tt.lon)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCoordinates)
			}
		})
	}
}

func TestPoint4326(t *testing.T) {
	f := fix(52.5, 13.4)
	f.Altitude = 34

	c, ok := Point4326(f).Coordinates()
	require.True(t, ok)
	assert.Equal(t, 13.4, c.X)
	assert.Equal(t, 52.5, c.Y)
	assert.Equal(t, 34.0, c.Z)
}

func TestCoords3857From4326(t *testing.T) {
	p, err := Coords3857From4326(0, 0)
	require.NoError(t, err)
	c, ok := p.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 0, c.X, 1e-6)
	assert.InDelta(t, 0, c.Y, 1e-6)

	p, err = Coords3857From4326(180, 0)
	require.NoError(t, err)
	c, _ = p.Coordinates()
	assert.InDelta(t, 20037508.34, c.X, 1)

	_, err = Coords3857From4326(0, 91)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestDistanceMeters(t *testing.T) {
	// one degree of latitude is roughly 111 km
	d := DistanceMeters(fix(0, 0), fix(1, 0))
	assert.InDelta(t, 111195, d, 500)

	assert.Equal(t, 0.0, DistanceMeters(fix(10, 10), fix(10, 10)))
}

func TestPath(t *testing.T) {
	assert.True(t, Path(nil, WGS84).IsEmpty())
	assert.True(t, Path([]core.Fix{fix(1, 2)}, WGS84).IsEmpty())

	ls := Path([]core.Fix{fix(1, 2), fix(3, 4), fix(5, 6)}, WGS84)
	seq := ls.Coordinates()
	require.Equal(t, 3, seq.Length())
	assert.Equal(t, 2.0, seq.GetXY(0).X)
	assert.Equal(t, 1.0, seq.GetXY(0).Y)
	assert.Equal(t, 6.0, seq.GetXY(2).X)
}

func TestMarker_WebMercator(t *testing.T) {
	c, ok := Marker(fix(0, 180), WebMercator).Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 20037508.34, c.X, 1)
}

func TestFixesCollection(t *testing.T) {
	fixes := []core.Fix{fix(1, 2), fix(3, 4)}
	fixes[1].Provider = "gps"

	fc := FixesCollection(fixes, WGS84)
	require.Len(t, fc, 3)
	assert.Equal(t, "path", fc[2].ID)
	assert.Equal(t, "gps", fc[1].Properties["provider"])

	raw, err := json.Marshal(fc)
	require.NoError(t, err)

	var decoded struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "FeatureCollection", decoded.Type)
	assert.Equal(t, "Point", decoded.Features[0].Geometry.Type)
	assert.Equal(t, "LineString", decoded.Features[2].Geometry.Type)
}

func TestFixesCollection_SingleFixHasNoPath(t *testing.T) {
	fc := FixesCollection([]core.Fix{fix(1, 2)}, WGS84)
	assert.Len(t, fc, 1)
}
