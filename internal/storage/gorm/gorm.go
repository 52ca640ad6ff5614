// Package gormstorage implements storage.Backend on any GORM dialect.
// The sqlite and postgres packages open the connection and embed it.
package gormstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fivegen/aquariuslocation/internal/logging"
	"github.com/fivegen/aquariuslocation/internal/model"
	"github.com/fivegen/aquariuslocation/internal/model/convert"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB         *gorm.DB
	LogManager *logging.SlogManager
}

type Backend struct {
	db  *gorm.DB
	log *logging.SlogManager
	now func() time.Time
}

// New creates a backend on an opened connection; Init migrates the schema.
func New(deps Dependencies) *Backend {
	return &Backend{db: deps.DB, log: deps.LogManager, now: time.Now}
}

// DB exposes the connection for dialect wrappers.
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Init migrates the schema.
func (b *Backend) Init() error {
	if b.db == nil {
		return fmt.Errorf("gorm backend: no database")
	}
	if err := b.db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) Durable() bool {
	return true
}

func (b *Backend) InsertFix(ctx context.Context, f core.Fix) error {
	loc := convert.FixToLocation(f)
	err := b.db.WithContext(ctx).Create(&loc).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDuplicateFix
	}
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

func (b *Backend) Fixes(ctx context.Context) ([]core.Fix, error) {
	var locs []model.Location
	if err := b.db.WithContext(ctx).Order("observed_at").Find(&locs).Error; err != nil {
		return nil, fmt.Errorf("load fixes: %w", err)
	}
	return convert.LocationsToFixes(locs), nil
}

func (b *Backend) DeleteFixes(ctx context.Context) error {
	err := b.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.Location{}).Error
	if err != nil {
		return fmt.Errorf("delete fixes: %w", err)
	}
	return nil
}

func (b *Backend) LoadSettings(ctx context.Context) (map[string]string, error) {
	var rows []model.Setting
	if err := b.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SaveSettings upserts every key and appends a revision in one transaction.
func (b *Backend) SaveSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := b.now().UTC()
	rows := make([]model.Setting, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, model.Setting{Key: k, Value: values[k], UpdatedAt: now})
	}

	snapshot, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings revision: %w", err)
	}

	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error; err != nil {
			return err
		}
		return tx.Create(&model.SettingsRevision{Values: datatypes.JSON(snapshot)}).Error
	})
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	if b.log != nil {
		b.log.WriteLog("gorm:SaveSettings", fmt.Sprintf("Saved %d settings", len(rows)), "DEBUG")
	}
	return nil
}

// Revisions returns the most recent applied snapshots, newest first.
func (b *Backend) Revisions(ctx context.Context, limit int) ([]storage.Revision, error) {
	var revs []model.SettingsRevision
	q := b.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&revs).Error; err != nil {
		return nil, fmt.Errorf("load settings revisions: %w", err)
	}

	out := make([]storage.Revision, 0, len(revs))
	for _, r := range revs {
		values := map[string]string{}
		if err := json.Unmarshal(r.Values, &values); err != nil {
			return nil, fmt.Errorf("decode settings revision %d: %w", r.ID, err)
		}
		out = append(out, storage.Revision{AppliedAt: r.CreatedAt.UTC(), Values: values})
	}
	return out, nil
}
