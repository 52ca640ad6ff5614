// Package postgres implements the storage.Backend interface on PostgreSQL
// through the GORM backend.
package postgres

import (
	"fmt"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/database"
	"github.com/fivegen/aquariuslocation/internal/logging"
	gormstorage "github.com/fivegen/aquariuslocation/internal/storage/gorm"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Backend struct {
	*gormstorage.Backend
}

// New connects to the configured server. The schema is migrated by Init.
func New(cfg config.PostgresConfig, logManager *logging.SlogManager, zlog zerolog.Logger) (*Backend, error) {
	db, err := database.OpenPostgres(cfg, zlog)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres DB: %w", err)
	}
	return NewWithDB(db, logManager), nil
}

// NewWithDB wraps an already opened connection.
func NewWithDB(db *gorm.DB, logManager *logging.SlogManager) *Backend {
	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{DB: db, LogManager: logManager}),
	}
}
