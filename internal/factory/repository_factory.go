package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/adapters/repository"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
)

// RepositoryFactory creates email repositories based on configuration
type RepositoryFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateEmailRepository creates an email repository based on the configuration
func (f *RepositoryFactory) CreateEmailRepository() (core.EmailRepository, error) {
	driver := f.cfg.GetString("database.driver")

	switch driver {
	case "mysql":
		dsn := f.cfg.GetString("database.mysql_dsn")
		return repository.NewMySQLRepository(dsn, f.logger)
	case "sqlite":
		sqlitePath := f.cfg.GetString("database.sqlite_path")
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return repository.NewSQLiteRepository(sqlitePath, f.logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
