// Package migrate wires the per-engine schema migration providers together.
package migrate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Affilience/genpipe/pkg/storage"
	"github.com/Affilience/genpipe/pkg/storage/postgres"
	"github.com/Affilience/genpipe/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

// GetDefaultRegistry returns the registry holding the built-in providers.
func GetDefaultRegistry() *storage.MigratorRegistry {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()
		defaultRegistry.RegisterProvider("postgres", postgres.NewPostgresMigrationProvider())
		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSQLiteMigrationProvider())
	})
	return defaultRegistry
}

// RunMigrationsWithRegistry migrates the schema for cfg.Engine using the
// provider registered for it. The memory engine has no schema and is a no-op.
func RunMigrationsWithRegistry(registry *storage.MigratorRegistry, cfg storage.MigrationConfig) error {
	if cfg.Engine == "memory" {
		log.Println("no migrations to run for `memory` datastore")
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(context.Background(), cfg)
}

// RunMigrations runs the migrations for the given config using the default
// registry.
func RunMigrations(cfg storage.MigrationConfig) error {
	return RunMigrationsWithRegistry(GetDefaultRegistry(), cfg)
}
