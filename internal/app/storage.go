package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/logging"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/internal/storage/memory"
	mongostorage "github.com/fivegen/aquariuslocation/internal/storage/mongo"
	pgstorage "github.com/fivegen/aquariuslocation/internal/storage/postgres"
	sqlitestorage "github.com/fivegen/aquariuslocation/internal/storage/sqlite"
)

// OpenBackend creates the configured backend and runs its Init.
// Unknown types fall back to memory.
func OpenBackend(cfg config.StorageConfig, lm *logging.SlogManager, zlog zerolog.Logger) (storage.Backend, error) {
	backend, err := createBackend(cfg, lm, zlog)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("init %s storage: %w", cfg.Type, err)
	}
	return backend, nil
}

func createBackend(cfg config.StorageConfig, lm *logging.SlogManager, zlog zerolog.Logger) (storage.Backend, error) {
	logger := lm.Logger()
	switch cfg.Type {
	case "postgres":
		backend, err := pgstorage.New(cfg.Postgres, lm, zlog)
		if err != nil {
			return nil, err
		}
		logger.Info("Postgres storage backend initialized", "host", cfg.Postgres.Host)
		return backend, nil

	case "sqlite":
		backend, err := sqlitestorage.New(cfg.SQLite, lm, zlog)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		logger.Info("SQLite storage backend initialized", "path", cfg.SQLite.Path)
		return backend, nil

	case "mongo":
		logger.Info("MongoDB storage backend initialized", "database", cfg.Mongo.Database)
		return mongostorage.New(cfg.Mongo, zlog), nil

	case "memory":
		logger.Info("Memory storage backend initialized")
		return memory.New(cfg.Memory), nil

	default:
		logger.Warn("Unknown storage type, using memory", "type", cfg.Type)
		return memory.New(cfg.Memory), nil
	}
}
