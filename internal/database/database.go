package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB wraps gorm.DB with the driver it was opened with
type DB struct {
	*gorm.DB
	driver string
}

// Connect opens the local store database (sqlite file or postgres DSN)
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Component("database").WithField("path", cfg.Path).Info("Opening local sqlite store")
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	case "postgres":
		logger.Component("database").Info("Opening postgres store")
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logLevel := gormlogger.Silent
	if cfg.Debug {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil && cfg.Driver != "postgres" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// Open connects and migrates every local store table
func Open(cfg config.DatabaseConfig) (*DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(models.StoreModels()...); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate local stores: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection pool
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate triggers GORM schema synchronization
func (db *DB) AutoMigrate(models ...interface{}) error {
	return db.DB.AutoMigrate(models...)
}

// Driver returns the dialect name
func (db *DB) Driver() string {
	return db.driver
}

// ResetTable deletes every row of a store table, recreating it empty
func (db *DB) ResetTable(model interface{}) error {
	if err := db.Migrator().DropTable(model); err != nil {
		return err
	}
	return db.Migrator().CreateTable(model)
}
