package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ConnectDatabaseWithRetry opens the configured database and retries until it answers,
// ctx is done, or MaxConnectAttempts is reached.
func ConnectDatabaseWithRetry(ctx context.Context, cfg DatabaseConfig, logg *logrus.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(dialector, initConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				err = sqlDB.PingContext(ctx)
			}
		}
		if err == nil {
			tunePool(db, cfg)
			if err := InstallPlugins(db); err != nil {
				return nil, err
			}
			logg.WithFields(logrus.Fields{
				"field":   "database",
				"driver":  cfg.Driver,
				"attempt": attempt,
			}).Info("connected to database")
			return db, nil
		}

		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("connect database after %d attempt(s): %w", attempt, err)
		}
		sleep := utils.RetryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to connect database; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// OpenSQLite opens a pure-Go SQLite database (":memory:" for tests) with the same plugins as production.
// A single connection keeps in-memory databases shared across the pool.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), initConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := InstallPlugins(db); err != nil {
		return nil, err
	}
	return db, nil
}

func InstallPlugins(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return fmt.Errorf("install otelgorm plugin: %w", err)
	}
	if err := db.Use(NewTenantGuardPlugin()); err != nil {
		return fmt.Errorf("install tenant guard plugin: %w", err)
	}
	return nil
}

func dialectorFor(cfg DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath), nil
	case "", "mysql":
		network := "tcp"
		address := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
		// Cloud SQL Auth Proxy socket: DB_HOST=/cloudsql/<CONNECTION_NAME>
		if strings.HasPrefix(cfg.Host, "/cloudsql/") {
			network = "unix"
			address = cfg.Host
		}
		dsn := fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, network, address, cfg.Name)
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
}

func tunePool(db *gorm.DB, cfg DatabaseConfig) {
	if cfg.Driver == "sqlite" {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		return
	}
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
