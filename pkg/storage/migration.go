package storage

import (
	"context"
	"sync"
	"time"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
}

// MigrationProvider is implemented once per datastore engine.
type MigrationProvider interface {
	// GetSupportedEngine returns the database engine this provider supports.
	GetSupportedEngine() string

	// RunMigrations executes the engine's schema migrations.
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version.
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)
}

// MigratorRegistry maps engine names to their migration providers.
type MigratorRegistry struct {
	mu        sync.RWMutex
	providers map[string]MigrationProvider
}

// NewMigratorRegistry creates an empty registry.
func NewMigratorRegistry() *MigratorRegistry {
	return &MigratorRegistry{
		providers: make(map[string]MigrationProvider),
	}
}

// RegisterProvider registers a provider under an engine name, replacing any
// existing registration.
func (r *MigratorRegistry) RegisterProvider(engine string, provider MigrationProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[engine] = provider
}

// GetProvider returns the provider registered for the engine, if any.
func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[engine]
	return provider, ok
}
