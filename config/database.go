package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectRetryWindow = 30 * time.Second

var db *gorm.DB

// InitDatabase opens the configured database (MySQL or SQLite) and migrates the given models.
func InitDatabase(cfg AppConfig, modelDefs ...interface{}) (*gorm.DB, error) {
	if db != nil {
		return db, nil
	}

	// Configure GORM logger: derive level from app LogLevel and raise slow-sql threshold to reduce noise
	gLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  toGormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormCfg := &gorm.Config{
		Logger:                                   gLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	// MySQL may still be starting next to us; SQLite errors are final.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cfg.DBDriver != "sqlite" {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = connectRetryWindow
		policy = eb
	}
	var conn *gorm.DB
	err = backoff.RetryNotify(func() error {
		c, err := gorm.Open(dialector, gormCfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		sqlDB, err := c.DB()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("get sql.DB: %w", err))
		}
		// Ping at boot so network/auth problems surface before the first query.
		if err := sqlDB.Ping(); err != nil {
			_ = sqlDB.Close()
			return fmt.Errorf("database ping: %w", err)
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		log.Printf("database not ready, retrying in %s: %v", wait.Round(time.Millisecond), err)
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.DBDriver == "sqlite" {
		// SQLite allows a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	if len(modelDefs) > 0 {
		if err := conn.AutoMigrate(modelDefs...); err != nil {
			return nil, fmt.Errorf("auto migration: %w", err)
		}
	}

	db = conn
	return db, nil
}

func dialectorFor(cfg AppConfig) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "sqlite":
		dsn := cfg.DatabaseURI
		if dsn == "" {
			dsn = cfg.SQLitePath
			if dir := filepath.Dir(dsn); dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
		}
		return sqlite.Open(dsn), nil
	case "mysql":
		dsn := cfg.DatabaseURI
		if dsn == "" {
			// parseTime with loc=UTC keeps stored timestamps in UTC
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
				cfg.DBUser,
				cfg.DBPassword,
				cfg.DBHost,
				cfg.DBPort,
				cfg.DBName,
			)
		}
		return mysql.Open(dsn), nil
	default:
		return nil, &ConfigError{Field: "DBDriver", Reason: "unsupported driver " + cfg.DBDriver}
	}
}

// toGormLogLevel maps application LogLevel to GORM's logger level.
func toGormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		// GORM 'Info' shows SQL; use with caution
		return logger.Info
	case "info", "", "warn":
		// Suppress per-statement logs; keep warnings (including slow SQL)
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// DB provides access to initialized gorm DB instance.
func DB() *gorm.DB {
	if db == nil {
		log.Fatal("database not initialized, call InitDatabase first")
	}
	return db
}
