package sqlite

import (
	"context"

	"github.com/Affilience/genpipe/assets"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/sqlcommon"
)

// SQLiteMigrationProvider implements MigrationProvider for SQLite.
type SQLiteMigrationProvider struct{}

func NewSQLiteMigrationProvider() *SQLiteMigrationProvider {
	return &SQLiteMigrationProvider{}
}

func (s *SQLiteMigrationProvider) GetSupportedEngine() string {
	return "sqlite"
}

func (s *SQLiteMigrationProvider) target(config storage.MigrationConfig) (sqlcommon.GooseTarget, error) {
	uri, err := PrepareDSN(config.URI)
	if err != nil {
		return sqlcommon.GooseTarget{}, err
	}
	return sqlcommon.GooseTarget{
		Dialect: "sqlite",
		Driver:  "sqlite",
		URI:     uri,
		Dir:     assets.SqliteMigrationDir,
	}, nil
}

// RunMigrations migrates the sqlite schema to the configured version.
func (s *SQLiteMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	t, err := s.target(config)
	if err != nil {
		return err
	}
	return sqlcommon.RunGooseMigrations(ctx, t, config)
}

// GetCurrentVersion returns the current sqlite schema version.
func (s *SQLiteMigrationProvider) GetCurrentVersion(_ context.Context, config storage.MigrationConfig) (int64, error) {
	t, err := s.target(config)
	if err != nil {
		return 0, err
	}
	return sqlcommon.GooseVersion(t)
}
