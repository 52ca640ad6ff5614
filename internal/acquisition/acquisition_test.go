package acquisition

import (
	"testing"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/stretchr/testify/assert"
)

func TestFailType_Recoverable(t *testing.T) {
	for f := FailUnknown; f <= FailViewNotRequiredType; f++ {
		assert.Equal(t, f == FailTimeout, f.Recoverable(), f.String())
	}
}

func TestFailType_String(t *testing.T) {
	assert.Equal(t, "TIMEOUT", FailTimeout.String())
	assert.Equal(t, "PERMISSION_DENIED", FailPermissionDenied.String())
	assert.Equal(t, "UNKNOWN", FailType(99).String())
}

func TestProcessType_String(t *testing.T) {
	tests := map[ProcessType]string{
		ProcessAskingPermissions: "asking-permission",
		ProcessCustomProvider:    "querying-custom-provider",
		ProcessPlayServices:      "querying-play-services",
		ProcessGPSProvider:       "querying-gps",
		ProcessNetworkProvider:   "querying-network",
		ProcessUnknown:           "unknown",
		ProcessType(42):          "unknown",
	}
	for p, want := range tests {
		assert.Equal(t, want, p.String())
	}
}

func TestDefaultProviderConfiguration_WaitPeriod(t *testing.T) {
	c := DefaultProviderConfiguration{
		WaitPeriods: map[ProviderType]time.Duration{ProviderGPS: time.Second},
	}
	assert.Equal(t, time.Second, c.WaitPeriod(ProviderGPS))
	assert.Equal(t, time.Duration(0), c.WaitPeriod(ProviderNetwork))
}

func TestListener_NilCallbacksAreIgnored(t *testing.T) {
	var l Listener
	assert.NotPanics(t, func() {
		l.StatusChanged(ProcessGPSProvider)
		l.LocationChanged(core.Fix{})
		l.LocationFailed(FailTimeout)
		l.PermissionGranted(true)
		l.ProviderEnabled("gps")
		l.ProviderDisabled("gps")
	})
}
