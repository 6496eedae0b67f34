// internal/database/migration.go
package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"sensor-reader/internal/config"
)

const migrationsTable = "sensor_reader_migrations"

// ErrDirtySchema is returned when a previous migration failed halfway
var ErrDirtySchema = errors.New("sample mirror schema is dirty")

// SchemaVersion is the applied migration state
type SchemaVersion struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// MigrateCommand is a maintenance action selected with --migrate
type MigrateCommand struct {
	Action  string
	Version int
}

// Migrate actions
const (
	MigrateUp      = "up"
	MigrateDown    = "down"
	MigrateForce   = "force"
	MigrateVersion = "version"
)

// ParseMigrateCommand parses "up", "down", "version" or "force:<version>"
func ParseMigrateCommand(raw string) (MigrateCommand, error) {
	action, arg, hasArg := strings.Cut(strings.TrimSpace(raw), ":")
	switch action {
	case MigrateUp, MigrateDown, MigrateVersion:
		if hasArg {
			return MigrateCommand{}, fmt.Errorf("migrate %s takes no argument", action)
		}
		return MigrateCommand{Action: action}, nil
	case MigrateForce:
		v, err := strconv.Atoi(arg)
		if err != nil || v < -1 {
			return MigrateCommand{}, fmt.Errorf("migrate force needs a version, got %q", arg)
		}
		return MigrateCommand{Action: action, Version: v}, nil
	default:
		return MigrateCommand{}, fmt.Errorf("unknown migrate command %q", raw)
	}
}

// Migrator applies the sample mirror schema
type Migrator struct {
	db     *DB
	logger *zap.Logger
	config *config.DatabaseConfig
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *DB, logger *zap.Logger, config *config.DatabaseConfig) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
		config: config,
	}
}

// Up applies pending migrations and refuses a dirty schema
func (m *Migrator) Up() (SchemaVersion, error) {
	var status SchemaVersion
	err := m.with(func(mg *migrate.Migrate) error {
		if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		var err error
		status, err = version(mg)
		return err
	})
	if err != nil {
		return status, err
	}
	if status.Dirty {
		return status, fmt.Errorf("%w at version %d", ErrDirtySchema, status.Version)
	}

	m.logger.Info("Sample mirror schema ready",
		zap.Uint("version", status.Version),
		zap.Bool("dirty", status.Dirty),
	)
	return status, nil
}

// Run executes a maintenance command and returns the resulting version
func (m *Migrator) Run(cmd MigrateCommand) (SchemaVersion, error) {
	if cmd.Action == MigrateUp {
		return m.Up()
	}

	var status SchemaVersion
	err := m.with(func(mg *migrate.Migrate) error {
		switch cmd.Action {
		case MigrateDown:
			if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migration down failed: %w", err)
			}
		case MigrateForce:
			if err := mg.Force(cmd.Version); err != nil {
				return fmt.Errorf("failed to force version %d: %w", cmd.Version, err)
			}
		case MigrateVersion:
		default:
			return fmt.Errorf("unknown migrate action %q", cmd.Action)
		}
		var err error
		status, err = version(mg)
		return err
	})
	if err != nil {
		return status, err
	}

	m.logger.Info("Migration command completed",
		zap.String("action", cmd.Action),
		zap.Uint("version", status.Version),
		zap.Bool("dirty", status.Dirty),
	)
	return status, nil
}

// Prune removes mirrored samples older than retention
func (m *Migrator) Prune(retention time.Duration) (int64, error) {
	res, err := m.db.Exec("DELETE FROM sensor_samples WHERE recorded_at < $1", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune failed: %w", err)
	}
	n, _ := res.RowsAffected()

	m.logger.Info("Sample mirror pruned", zap.Int64("deleted", n), zap.Duration("retention", retention))
	return n, nil
}

// with runs fn on a migrate instance bound to a dedicated connection, so
// closing the instance leaves the shared pool open
func (m *Migrator) with(fn func(*migrate.Migrate) error) error {
	ctx := context.Background()
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	migrationsPath, err := filepath.Abs(m.config.MigrationsPath)
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	mg, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer mg.Close()

	return fn(mg)
}

func version(mg *migrate.Migrate) (SchemaVersion, error) {
	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{}, nil
	}
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to get version: %w", err)
	}
	return SchemaVersion{Version: v, Dirty: dirty}, nil
}
