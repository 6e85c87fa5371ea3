package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger *zap.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		logger.Info("migrations: current schema version", zap.Uint("version", v))
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		logger.Info("migrations: no existing migration version (fresh database)")
	} else {
		logger.Warn("migrations: unable to determine current version", zap.Error(verr))
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations: database is up to date", zap.Uint("version", currentVersion))
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info("migrations: applied", zap.Uint("version", v))
	} else {
		logger.Warn("migrations: applied but failed to read new version", zap.Error(err))
	}
	return nil
}

// Status reports the current schema version and whether the last migration
// left the database dirty. A fresh database reports version 0.
func Status(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: read version: %w", err)
	}
	return v, dirty, nil
}

// ForceVersion records version as applied and clean without running SQL.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase rolls the recorded version back to the one before the
// failed migration so Up can retry it. Clean databases are left alone.
func FixDirtyDatabase(db *sql.DB, logger *zap.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if !dirty {
		logger.Info("migrations: database is not dirty", zap.Uint("version", v))
		return nil
	}

	target := int(v) - 1
	if target < 1 {
		target = -1
	}
	logger.Warn("migrations: forcing dirty database back", zap.Uint("dirty_version", v), zap.Int("target", target))
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	return nil
}

// UpWithDirtyFix runs Up and, when the database is dirty, repairs it once and
// retries.
func UpWithDirtyFix(db *sql.DB, logger *zap.Logger) error {
	err := Up(db, logger)
	if err == nil {
		return nil
	}

	var dirtyErr migrate.ErrDirty
	if !errors.As(err, &dirtyErr) && !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	logger.Warn("migrations: dirty database detected, attempting to fix", zap.Error(err))
	if fixErr := FixDirtyDatabase(db, logger); fixErr != nil {
		logger.Error("migrations: failed to fix dirty database", zap.Error(fixErr))
		return err
	}
	return Up(db, logger)
}
