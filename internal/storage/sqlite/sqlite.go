// Package sqlitestorage implements the storage.Backend interface on a SQLite
// file. It wraps the GORM backend; the SQLite-specific concerns are opening
// the file with its PRAGMAs and an optional periodic backup via VACUUM INTO.
package sqlitestorage

import (
	"fmt"
	"sync"
	"time"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/database"
	"github.com/fivegen/aquariuslocation/internal/logging"
	gormstorage "github.com/fivegen/aquariuslocation/internal/storage/gorm"
	"github.com/rs/zerolog"
)

type Backend struct {
	*gormstorage.Backend
	cfg      config.SQLiteConfig
	log      *logging.SlogManager
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the database at cfg.Path. An empty path gives a private
// in-memory database.
func New(cfg config.SQLiteConfig, logManager *logging.SlogManager, zlog zerolog.Logger) (*Backend, error) {
	db, err := database.OpenSqlite(cfg.Path, zlog)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}

	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{
			DB:         db,
			LogManager: logManager,
		}),
		cfg:      cfg,
		log:      logManager,
		stopChan: make(chan struct{}),
	}, nil
}

// Init migrates the schema and starts the backup goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.BackupPath != "" && b.cfg.BackupInterval > 0 {
		b.wg.Add(1)
		go b.backupLoop()
	}
	return nil
}

// Close stops the backup goroutine and closes the database.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.Backend.Close()
}

// Durable is false for in-memory databases.
func (b *Backend) Durable() bool {
	return b.cfg.Path != ""
}

// Backup writes a point-in-time copy to the configured backup path.
func (b *Backend) Backup() error {
	took, err := database.BackupSqlite(b.DB(), b.cfg.BackupPath)
	if err != nil {
		b.log.WriteLog("sqlite:backup", fmt.Sprintf("Error writing backup: %v", err), "ERROR")
		return err
	}
	b.log.WriteLog("sqlite:backup", fmt.Sprintf("Backup written in %s", took), "DEBUG")
	return nil
}

func (b *Backend) backupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.BackupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			_ = b.Backup()
		}
	}
}
