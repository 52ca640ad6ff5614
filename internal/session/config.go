package session

import (
	"time"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// playServicesWaitPeriod is fixed; only the default providers are tunable.
const playServicesWaitPeriod = 20 * time.Second

// BuildConfiguration maps a settings snapshot onto a tracking configuration.
// The fused strategy is tried first and falls back to the GPS and network
// providers, which share the interval, distance and accuracy settings.
func BuildConfiguration(s core.Settings) acquisition.Configuration {
	return acquisition.Configuration{
		KeepTracking: true,
		PlayServices: &acquisition.PlayServicesConfiguration{
			FallbackToDefault:          true,
			AskForPlayServices:         false,
			AskForSettingsAPI:          true,
			FailOnSettingsAPISuspended: false,
			IgnoreLastKnownLocation:    false,
			WaitPeriod:                 playServicesWaitPeriod,
		},
		DefaultProviders: &acquisition.DefaultProviderConfiguration{
			AcceptableTimePeriod:     core.Millis(s.AcceptableTimePeriod),
			RequiredTimeInterval:     core.Millis(s.RequiredTimeInterval),
			RequiredDistanceInterval: s.RequiredDistanceInterval,
			AcceptableAccuracy:       s.AcceptableAccuracy,
			WaitPeriods: map[acquisition.ProviderType]time.Duration{
				acquisition.ProviderGPS:     core.Millis(s.GPSWaitPeriod),
				acquisition.ProviderNetwork: core.Millis(s.NetworkWaitPeriod),
			},
		},
	}
}

// configurationLines are the debug lines written before each start.
func configurationLines(s core.Settings) []string {
	return []string{
		"-----------------------",
		" Setup location manager...",
		" acceptableTimePeriod: " + itoa(s.AcceptableTimePeriod),
		" requiredTimeInterval: " + itoa(s.RequiredTimeInterval),
		" requiredDistanceInterval: " + itoa(s.RequiredDistanceInterval),
		" acceptableAccuracy: " + ftoa(s.AcceptableAccuracy),
		" gpsWaitPeriod: " + itoa(s.GPSWaitPeriod),
		" networkWaitPeriod: " + itoa(s.NetworkWaitPeriod),
		"-----------------------",
	}
}
