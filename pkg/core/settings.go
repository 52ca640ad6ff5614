// pkg/core/settings.go
package core

import "time"

// Settings is the snapshot of acquisition tuning parameters.
// Durations are kept as milliseconds and distances as meters to match the persisted layout.
type Settings struct {
	AcceptableTimePeriod     int64   // ms
	RequiredTimeInterval     int64   // ms
	RequiredDistanceInterval int64   // meters
	AcceptableAccuracy       float32 // meters
	GPSWaitPeriod            int64   // ms
	NetworkWaitPeriod        int64   // ms
}

// DefaultSettings returns the values used for keys that were never written.
func DefaultSettings() Settings {
	return Settings{
		AcceptableTimePeriod:     5000,
		RequiredTimeInterval:     5000,
		RequiredDistanceInterval: 5,
		AcceptableAccuracy:       10,
		GPSWaitPeriod:            20 * 1000,
		NetworkWaitPeriod:        20 * 1000,
	}
}

// Millis converts a millisecond setting to a time.Duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
