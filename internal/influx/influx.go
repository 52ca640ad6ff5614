// Package influx mirrors fixes and periodic status points into InfluxDB.
// When the server is unreachable at connect time every point goes to a
// gzip line-protocol backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

const (
	MeasurementFix    = "fix"
	MeasurementStatus = "session_status"

	unknownProvider = "unknown"

	retentionSeconds = 60 * 60 * 24 * 90 // 90 days
)

// ErrOffline is returned for operations the backup file cannot honour.
var ErrOffline = errors.New("influxdb unreachable, writing to backup file")

// Manager handles the InfluxDB connection and writes.
type Manager struct {
	cfg    config.InfluxConfig
	logger zerolog.Logger

	mu         sync.Mutex
	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backup     *gzip.Writer
	backupFile io.Closer
	valid      bool
}

// NewManager creates an unconnected manager; call Connect before writing.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: log}
}

// Connect pings the server and prepares the bucket, or opens the backup
// file when the server does not answer.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.valid = false
		if m.backup == nil {
			m.logger.Info().Str("backupPath", m.cfg.Backup).
				Msg("Failed to initialize InfluxDB client, writing to backup file")
			if err := m.openBackup(); err != nil {
				return err
			}
		}
		m.logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())
	m.valid = true
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	file, err := os.OpenFile(m.cfg.Backup, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backup = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			m.logger.Error().Err(err).Str("org", m.cfg.Org).Msg("Error creating organization")
			return fmt.Errorf("create organization %s: %w", m.cfg.Org, err)
		}
	}

	if _, err := m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
		return fmt.Errorf("create bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

// Online reports whether points go to the server rather than the backup.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(_ context.Context, point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid {
		m.writer.WritePoint(point)
		return nil
	}
	if m.backup == nil {
		return errors.New("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := m.backup.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

func (m *Manager) Name() string {
	return "influx"
}

// WriteFix mirrors one stored fix.
func (m *Manager) WriteFix(ctx context.Context, f core.Fix) error {
	return m.WritePoint(ctx, FixPoint(f))
}

// Clear deletes every fix point from the bucket.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	valid, client := m.valid, m.client
	m.mu.Unlock()
	if !valid {
		return ErrOffline
	}
	err := client.DeleteAPI().DeleteWithName(ctx, m.cfg.Org, m.cfg.Bucket,
		time.Unix(0, 0), time.Now(), fmt.Sprintf(`_measurement=%q`, MeasurementFix))
	if err != nil {
		return fmt.Errorf("delete fix points: %w", err)
	}
	return nil
}

// Close flushes pending writes and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
	}
	if m.backup != nil {
		errs = append(errs, m.backup.Close(), m.backupFile.Close())
		m.backup, m.backupFile = nil, nil
	}
	m.valid = false
	return errors.Join(errs...)
}

// FixPoint renders a fix as a point stamped with its observation time.
// The provider tag is always set: the line protocol encoder writes the tag
// separator even for an empty tag set.
func FixPoint(f core.Fix) *influxdb2_write.Point {
	provider := f.Provider
	if provider == "" {
		provider = unknownProvider
	}
	tags := map[string]string{"provider": provider}
	fields := map[string]interface{}{
		"latitude":  f.Latitude,
		"longitude": f.Longitude,
		"altitude":  f.Altitude,
	}
	if f.Accuracy > 0 {
		fields["accuracy"] = float64(f.Accuracy)
	}
	return influxdb2.NewPoint(MeasurementFix, tags, fields, f.ObservedAt)
}

// StatusPoint renders a periodic status sample.
func StatusPoint(state, phase string, fixes, restarts uint64, history, pending int, at time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint(MeasurementStatus,
		map[string]string{"state": state},
		map[string]interface{}{
			"phase":    phase,
			"fixes":    int64(fixes),
			"restarts": int64(restarts),
			"history":  history,
			"pending":  pending,
		},
		at)
}
