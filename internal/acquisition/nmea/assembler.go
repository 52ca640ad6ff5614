package nmea

import (
	"fmt"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// assembler turns a sentence stream into fixes. RMC sentences produce fixes;
// the latest valid GGA contributes altitude and HDOP.
type assembler struct {
	provider        string
	accuracyPerHDOP float64
	now             func() time.Time

	gga    gonmea.GGA
	hasGGA bool
}

func newAssembler(provider string, accuracyPerHDOP float64) *assembler {
	return &assembler{provider: provider, accuracyPerHDOP: accuracyPerHDOP, now: time.Now}
}

// feed parses one line. ok is false for sentences that do not complete a fix.
func (a *assembler) feed(line string) (fix core.Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") && !strings.HasPrefix(line, "!") {
		return core.Fix{}, false, nil
	}
	s, err := gonmea.Parse(line)
	if err != nil {
		return core.Fix{}, false, fmt.Errorf("parse %q: %w", line, err)
	}

	switch m := s.(type) {
	case gonmea.GGA:
		if m.FixQuality != gonmea.Invalid {
			a.gga = m
			a.hasGGA = true
		}
		return core.Fix{}, false, nil
	case gonmea.RMC:
		if m.Validity != gonmea.ValidRMC {
			return core.Fix{}, false, nil
		}
		return a.fromRMC(m), true, nil
	default:
		return core.Fix{}, false, nil
	}
}

func (a *assembler) fromRMC(m gonmea.RMC) core.Fix {
	f := core.Fix{
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		ObservedAt: a.observedAt(m.Date, m.Time),
		Provider:   a.provider,
	}
	if a.hasGGA {
		f.Altitude = a.gga.Altitude
		if a.accuracyPerHDOP > 0 && a.gga.HDOP > 0 {
			f.Accuracy = float32(a.gga.HDOP * a.accuracyPerHDOP)
		}
	}
	return f
}

func (a *assembler) observedAt(d gonmea.Date, t gonmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return a.now().UTC()
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
