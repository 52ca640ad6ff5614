// pkg/core/fix.go
package core

import (
	"fmt"
	"time"
)

// Fix is a single reported device position.
// ObservedAt is the primary key of a stored fix and is assumed unique.
type Fix struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	ObservedAt time.Time

	// Diagnostics only, never persisted as part of the key.
	Accuracy float32 // meters, 0 when unknown
	Provider string
}

// FormatLatLon renders the coordinates the way the event log and notifications show them.
func (f Fix) FormatLatLon() string {
	return fmt.Sprintf("%.6f %.6f", f.Latitude, f.Longitude)
}
