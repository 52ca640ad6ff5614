package nmea

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"github.com/tevino/abool/v2"
)

const (
	defaultBaud       = 9600
	serialReadTimeout = 2500 * time.Millisecond
	schemeSerial      = "serial"
	schemeTCP         = "tcp"
)

// ErrBadSource is returned for a source address that cannot be dialed.
var ErrBadSource = errors.New("invalid nmea source")

// DialFunc opens a stream of NMEA sentences.
type DialFunc func(ctx context.Context, source string, timeout time.Duration) (io.ReadCloser, error)

type sourceAddr struct {
	scheme string
	target string
	baud   int
}

// parseSource accepts "host:port", "tcp://host:port" and "serial:///dev/ttyUSB0?baud=4800".
func parseSource(source string) (sourceAddr, error) {
	if source == "" {
		return sourceAddr{}, fmt.Errorf("%w: empty", ErrBadSource)
	}
	if !strings.Contains(source, "://") {
		return sourceAddr{scheme: schemeTCP, target: source}, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return sourceAddr{}, fmt.Errorf("%w: %v", ErrBadSource, err)
	}
	switch u.Scheme {
	case schemeTCP:
		if u.Host == "" {
			return sourceAddr{}, fmt.Errorf("%w: missing host in %q", ErrBadSource, source)
		}
		return sourceAddr{scheme: schemeTCP, target: u.Host}, nil
	case schemeSerial:
		if u.Path == "" {
			return sourceAddr{}, fmt.Errorf("%w: missing device in %q", ErrBadSource, source)
		}
		baud := defaultBaud
		if b := u.Query().Get("baud"); b != "" {
			baud, err = strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return sourceAddr{}, fmt.Errorf("%w: bad baud rate %q", ErrBadSource, b)
			}
		}
		return sourceAddr{scheme: schemeSerial, target: u.Path, baud: baud}, nil
	default:
		return sourceAddr{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadSource, u.Scheme)
	}
}

// Dial is the default DialFunc.
func Dial(ctx context.Context, source string, timeout time.Duration) (io.ReadCloser, error) {
	addr, err := parseSource(source)
	if err != nil {
		return nil, err
	}
	switch addr.scheme {
	case schemeSerial:
		p, err := serial.OpenPort(&serial.Config{Name: addr.target, Baud: addr.baud, ReadTimeout: serialReadTimeout})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", addr.target, err)
		}
		return &serialStream{port: p, closed: abool.New()}, nil
	default:
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr.target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr.target, err)
		}
		return conn, nil
	}
}

// serialStream hides the port's read timeouts from the line scanner.
type serialStream struct {
	port   *serial.Port
	closed *abool.AtomicBool
}

func (s *serialStream) Read(b []byte) (int, error) {
	for {
		n, err := s.port.Read(b)
		if n > 0 {
			return n, nil
		}
		if s.closed.IsSet() {
			return 0, io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (s *serialStream) Close() error {
	s.closed.Set()
	return s.port.Close()
}
