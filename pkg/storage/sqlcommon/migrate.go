package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/Affilience/genpipe/assets"
	"github.com/Affilience/genpipe/pkg/storage"
)

// GooseTarget names everything goose needs to reach one engine's schema.
type GooseTarget struct {
	Dialect string
	Driver  string
	URI     string
	Dir     string
}

func openGooseDB(t GooseTarget) (*sql.DB, error) {
	db, err := goose.OpenDBWithDriver(t.Driver, t.URI)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", t.Dialect, err)
	}
	goose.SetBaseFS(assets.EmbedMigrations)
	return db, nil
}

// RunGooseMigrations pings the database with backoff and then migrates the
// schema to cfg.TargetVersion, or all the way up when the target is zero.
func RunGooseMigrations(ctx context.Context, t GooseTarget, cfg storage.MigrationConfig) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(cfg.Verbose)

	if err := goose.SetDialect(t.Dialect); err != nil {
		return fmt.Errorf("set %s dialect: %w", t.Dialect, err)
	}

	db, err := openGooseDB(t)
	if err != nil {
		return err
	}
	defer db.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.Timeout
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, policy); err != nil {
		return fmt.Errorf("initialize %s connection: %w", t.Dialect, err)
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get %s schema version: %w", t.Dialect, err)
	}
	log.Printf("%s schema at version %d", t.Dialect, current)

	target := int64(cfg.TargetVersion)
	switch {
	case cfg.TargetVersion == 0:
		err = goose.Up(db, t.Dir)
	case target > current:
		err = goose.UpTo(db, t.Dir, target)
	case target < current:
		err = goose.DownTo(db, t.Dir, target)
	default:
		log.Printf("%s schema already at version %d", t.Dialect, current)
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s schema: %w", t.Dialect, err)
	}

	log.Printf("%s migration done", t.Dialect)
	return nil
}

// GooseVersion reports the engine's current schema version.
func GooseVersion(t GooseTarget) (int64, error) {
	db, err := openGooseDB(t)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return goose.GetDBVersion(db)
}
