package presenter

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/fivegen/aquariuslocation/internal/geo"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// MapSnapshot is a copy of what MapState currently shows.
type MapSnapshot struct {
	Center     *core.Fix
	Zoom       float64
	Path       []core.Fix
	Marker     *core.Fix
	Animations int
	UpdatedAt  time.Time
}

// MapState is the host MapView. It holds the rendered model so it can be
// served as GeoJSON.
type MapState struct {
	mu   sync.RWMutex
	snap MapSnapshot
	now  func() time.Time
}

// NewMapState creates an empty map model.
func NewMapState() *MapState {
	return &MapState{now: time.Now}
}

func (s *MapState) AnimateTo(center core.Fix, zoom float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Center = &center
	s.snap.Zoom = zoom
	s.snap.Animations++
	s.snap.UpdatedAt = s.now()
}

func (s *MapState) SetPath(fixes []core.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Path = append(s.snap.Path[:0:0], fixes...)
	s.snap.UpdatedAt = s.now()
}

func (s *MapState) SetMarker(f core.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Marker = &f
	s.snap.UpdatedAt = s.now()
}

func (s *MapState) Snapshot() MapSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Path = append([]core.Fix(nil), s.snap.Path...)
	return out
}

// Features renders the path, the marker and the camera as features.
func (s *MapState) Features(proj geo.Projection) geom.GeoJSONFeatureCollection {
	snap := s.Snapshot()
	fc := geom.GeoJSONFeatureCollection{}
	if len(snap.Path) >= 2 {
		fc = append(fc, geom.GeoJSONFeature{
			ID:         "path",
			Geometry:   geo.Path(snap.Path, proj).AsGeometry(),
			Properties: map[string]interface{}{"kind": "path", "points": len(snap.Path)},
		})
	}
	if snap.Marker != nil {
		fc = append(fc, geom.GeoJSONFeature{
			ID:       "marker",
			Geometry: geo.Marker(*snap.Marker, proj).AsGeometry(),
			Properties: map[string]interface{}{
				"kind":       "marker",
				"observedAt": snap.Marker.ObservedAt.UTC().Format(time.RFC3339Nano),
				"altitude":   snap.Marker.Altitude,
			},
		})
	}
	if snap.Center != nil {
		fc = append(fc, geom.GeoJSONFeature{
			ID:         "camera",
			Geometry:   geo.Marker(*snap.Center, proj).AsGeometry(),
			Properties: map[string]interface{}{"kind": "camera", "zoom": snap.Zoom},
		})
	}
	return fc
}

// GeoJSON marshals Features.
func (s *MapState) GeoJSON(proj geo.Projection) ([]byte, error) {
	b, err := json.Marshal(s.Features(proj))
	if err != nil {
		return nil, fmt.Errorf("marshal map state: %w", err)
	}
	return b, nil
}
