// Package acquisition describes the boundary to the location-acquisition library.
// The library owns provider selection, permission negotiation and retry internals;
// callers hand it a Configuration and a Listener and get back a Session to stop.
package acquisition

import (
	"errors"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// ErrNoProviders is returned by Start when the configuration enables nothing to query.
var ErrNoProviders = errors.New("no location providers configured")

// ProviderType identifies a source of positioning data.
type ProviderType int

const (
	ProviderGPS ProviderType = iota
	ProviderNetwork
	ProviderPlayServices
)

func (p ProviderType) String() string {
	switch p {
	case ProviderGPS:
		return "gps"
	case ProviderNetwork:
		return "network"
	case ProviderPlayServices:
		return "play-services"
	default:
		return "unknown"
	}
}

// ProcessType is the phase the library reports through OnStatusChanged.
type ProcessType int

const (
	ProcessUnknown ProcessType = iota
	ProcessAskingPermissions
	ProcessCustomProvider
	ProcessPlayServices
	ProcessGPSProvider
	ProcessNetworkProvider
)

func (p ProcessType) String() string {
	switch p {
	case ProcessAskingPermissions:
		return "asking-permission"
	case ProcessCustomProvider:
		return "querying-custom-provider"
	case ProcessPlayServices:
		return "querying-play-services"
	case ProcessGPSProvider:
		return "querying-gps"
	case ProcessNetworkProvider:
		return "querying-network"
	default:
		return "unknown"
	}
}

// FailType is the reason passed to OnFailure. Only FailTimeout is recoverable.
type FailType int

const (
	FailUnknown FailType = iota
	FailTimeout
	FailPermissionDenied
	FailNetworkUnavailable
	FailPlayServicesUnavailable
	FailPlayServicesSettingsDialog
	FailPlayServicesSettingsDenied
	FailViewDetached
	FailViewNotRequiredType
)

func (f FailType) String() string {
	switch f {
	case FailTimeout:
		return "TIMEOUT"
	case FailPermissionDenied:
		return "PERMISSION_DENIED"
	case FailNetworkUnavailable:
		return "NETWORK_NOT_AVAILABLE"
	case FailPlayServicesUnavailable:
		return "GOOGLE_PLAY_SERVICES_NOT_AVAILABLE"
	case FailPlayServicesSettingsDialog:
		return "GOOGLE_PLAY_SERVICES_SETTINGS_DIALOG"
	case FailPlayServicesSettingsDenied:
		return "GOOGLE_PLAY_SERVICES_SETTINGS_DENIED"
	case FailViewDetached:
		return "VIEW_DETACHED"
	case FailViewNotRequiredType:
		return "VIEW_NOT_REQUIRED_TYPE"
	default:
		return "UNKNOWN"
	}
}

// Recoverable reports whether the session may be restarted automatically.
func (f FailType) Recoverable() bool {
	return f == FailTimeout
}

// PlayServicesConfiguration configures the fused strategy that is tried first.
type PlayServicesConfiguration struct {
	FallbackToDefault          bool
	AskForPlayServices         bool
	AskForSettingsAPI          bool
	FailOnSettingsAPISuspended bool
	IgnoreLastKnownLocation    bool
	WaitPeriod                 time.Duration
}

// DefaultProviderConfiguration configures the GPS and network providers.
type DefaultProviderConfiguration struct {
	AcceptableTimePeriod     time.Duration
	RequiredTimeInterval     time.Duration
	RequiredDistanceInterval int64 // meters
	AcceptableAccuracy       float32
	WaitPeriods              map[ProviderType]time.Duration
}

// WaitPeriod returns the wait period for p, zero when unset.
func (c DefaultProviderConfiguration) WaitPeriod(p ProviderType) time.Duration {
	return c.WaitPeriods[p]
}

// Configuration is everything the library needs to run one session.
// A nil PlayServices skips the fused strategy; a nil DefaultProviders disables fallback.
type Configuration struct {
	KeepTracking     bool
	PlayServices     *PlayServicesConfiguration
	DefaultProviders *DefaultProviderConfiguration
}

// Listener receives callbacks from a running session. Nil fields are ignored.
// The library delivers at most one callback at a time per session.
type Listener struct {
	OnStatusChanged     func(ProcessType)
	OnLocationChanged   func(core.Fix)
	OnLocationFailed    func(FailType)
	OnPermissionGranted func(alreadyHadPermission bool)
	OnProviderEnabled   func(provider string)
	OnProviderDisabled  func(provider string)
}

// Session is one running monitoring pipeline.
// Stop releases every resource; once it returns no further callbacks are delivered.
type Session interface {
	Stop()
}

// Library starts acquisition sessions.
type Library interface {
	Start(cfg Configuration, l Listener) (Session, error)
}

func (l Listener) StatusChanged(p ProcessType) {
	if l.OnStatusChanged != nil {
		l.OnStatusChanged(p)
	}
}

func (l Listener) LocationChanged(f core.Fix) {
	if l.OnLocationChanged != nil {
		l.OnLocationChanged(f)
	}
}

func (l Listener) LocationFailed(f FailType) {
	if l.OnLocationFailed != nil {
		l.OnLocationFailed(f)
	}
}

func (l Listener) PermissionGranted(already bool) {
	if l.OnPermissionGranted != nil {
		l.OnPermissionGranted(already)
	}
}

func (l Listener) ProviderEnabled(name string) {
	if l.OnProviderEnabled != nil {
		l.OnProviderEnabled(name)
	}
}

func (l Listener) ProviderDisabled(name string) {
	if l.OnProviderDisabled != nil {
		l.OnProviderDisabled(name)
	}
}
