package nmea

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		want    sourceAddr
		wantErr bool
	}{
		{in: "localhost:10110", want: sourceAddr{scheme: schemeTCP, target: "localhost:10110"}},
		{in: "tcp://10.0.0.2:2000", want: sourceAddr{scheme: schemeTCP, target: "10.0.0.2:2000"}},
		{in: "serial:///dev/ttyUSB0", want: sourceAddr{scheme: schemeSerial, target: "/dev/ttyUSB0", baud: defaultBaud}},
		{in: "serial:///dev/ttyACM0?baud=4800", want: sourceAddr{scheme: schemeSerial, target: "/dev/ttyACM0", baud: 4800}},
		{in: "serial:///dev/ttyACM0?baud=fast", wantErr: true},
		{in: "udp://host:1", wantErr: true},
		{in: "tcp://", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSource(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadSource)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssembler(t *testing.T) {
	a := newAssembler("gps", 5)

	fix, ok, err := a.feed(sentence(rmcBody))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, fix.Altitude)

	t.Run("void rmc ignored", func(t *testing.T) {
		_, ok, err := a.feed(sentence("GPRMC,123519.00,V,4807.038,N,01131.000,E,022.4,084.4,191026,003.1,W"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("bad checksum", func(t *testing.T) {
		_, ok, err := a.feed("$" + rmcBody + "*00")
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("noise ignored", func(t *testing.T) {
		_, ok, err := a.feed("garbage")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("gga enriches", func(t *testing.T) {
		b := newAssembler("network", 5)
		_, ok, err := b.feed(sentence(ggaBody))
		require.NoError(t, err)
		assert.False(t, ok)

		fix, ok, err := b.feed(sentence(rmcBody))
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 545.4, fix.Altitude, 1e-6)
		assert.InDelta(t, 4.5, fix.Accuracy, 1e-4)
		assert.Equal(t, "network", fix.Provider)
	})

	t.Run("missing date uses clock", func(t *testing.T) {
		at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
		b := newAssembler("gps", 5)
		b.now = func() time.Time { return at }
		fix, ok, err := b.feed(sentence("GPRMC,123519.00,A,4807.038,N,01131.000,E,022.4,084.4,,003.1,W"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, at, fix.ObservedAt)
		assert.Zero(t, fix.Accuracy)
	})
}

func TestFilter(t *testing.T) {
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	at := func(sec int, lat float64, acc float32) core.Fix {
		return core.Fix{Latitude: lat, Longitude: 11, ObservedAt: base.Add(time.Duration(sec) * time.Second), Accuracy: acc}
	}
	f := &filter{cfg: acquisition.DefaultProviderConfiguration{
		RequiredTimeInterval:     5 * time.Second,
		RequiredDistanceInterval: 5,
		AcceptableAccuracy:       10,
	}}

	assert.False(t, f.accept(at(0, 48, 25)), "inaccurate")
	assert.True(t, f.accept(at(0, 48, 4)))
	assert.False(t, f.accept(at(0, 48.1, 4)), "same time")
	assert.False(t, f.accept(at(2, 48.1, 4)), "too soon")
	assert.False(t, f.accept(at(10, 48.00001, 4)), "too close")
	assert.True(t, f.accept(at(10, 48.001, 4)))
	assert.True(t, f.accept(at(20, 48.002, 0)), "unknown accuracy passes")
}

func TestFilter_NoLimits(t *testing.T) {
	f := &filter{}
	base := time.Now()
	assert.True(t, f.accept(core.Fix{ObservedAt: base, Accuracy: 500}))
	assert.True(t, f.accept(core.Fix{ObservedAt: base.Add(time.Millisecond)}))
}
