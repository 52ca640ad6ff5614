package presenter

import (
	"context"
	"sync"

	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// FollowZoom is the zoom level the view animates to on the first fix.
const FollowZoom = 19.0

// MapView is the rendering surface driven by MapController.
type MapView interface {
	AnimateTo(center core.Fix, zoom float64)
	SetPath(fixes []core.Fix)
	SetMarker(f core.Fix)
}

// MapController keeps a MapView in step with the history snapshots.
type MapController struct {
	view MapView

	mu      sync.Mutex
	focused bool
}

// NewMapController creates a controller that renders history snapshots onto view.
func NewMapController(view MapView) *MapController {
	return &MapController{view: view}
}

// Render draws one snapshot. Empty snapshots are ignored; the first
// non-empty one also moves the camera to the newest fix.
func (m *MapController) Render(fixes []core.Fix) {
	if len(fixes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	last := fixes[len(fixes)-1]
	if !m.focused {
		m.focused = true
		m.view.AnimateTo(last, FollowZoom)
	}
	m.view.SetPath(fixes)
	m.view.SetMarker(last)
}

// Run renders every snapshot from sub until ctx ends or sub closes.
func (m *MapController) Run(ctx context.Context, sub *pubsub.Subscription[[]core.Fix]) {
	consume(ctx, sub, m.Render)
}
