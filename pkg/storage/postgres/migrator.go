package postgres

import (
	"context"

	"github.com/Affilience/genpipe/assets"
	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/sqlcommon"
)

// PostgresMigrationProvider implements MigrationProvider for Postgres.
type PostgresMigrationProvider struct{}

func NewPostgresMigrationProvider() *PostgresMigrationProvider {
	return &PostgresMigrationProvider{}
}

func (p *PostgresMigrationProvider) GetSupportedEngine() string {
	return "postgres"
}

func (p *PostgresMigrationProvider) target(config storage.MigrationConfig) (sqlcommon.GooseTarget, error) {
	uri, err := PrepareDSN(config.URI, &sqlcommon.Config{
		Username: config.Username,
		Password: config.Password,
	})
	if err != nil {
		return sqlcommon.GooseTarget{}, err
	}
	return sqlcommon.GooseTarget{
		Dialect: "postgres",
		Driver:  "pgx",
		URI:     uri,
		Dir:     assets.PostgresMigrationDir,
	}, nil
}

// RunMigrations migrates the postgres schema to the configured version.
func (p *PostgresMigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	t, err := p.target(config)
	if err != nil {
		return err
	}
	return sqlcommon.RunGooseMigrations(ctx, t, config)
}

// GetCurrentVersion returns the current postgres schema version.
func (p *PostgresMigrationProvider) GetCurrentVersion(_ context.Context, config storage.MigrationConfig) (int64, error) {
	t, err := p.target(config)
	if err != nil {
		return 0, err
	}
	return sqlcommon.GooseVersion(t)
}
