// Package db opens the backing store and runs schema migration.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/foundry-forge/oms/internal/config"
	"github.com/foundry-forge/oms/pkg/models"
)

// Pool defaults. The relay and any API frontends share one pool, so the
// ceiling stays well under the usual postgres max_connections.
const (
	defaultMaxIdleConns    = 10
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Open connects to the configured store, applies pool settings, and migrates
// the schema. A nil logger silences query logging.
func Open(cfg *config.StoreConfig, log hclog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Dialect {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.Endpoint, cfg.User, cfg.Key, cfg.Database)
		dialector = postgres.Open(dsn)

	case "sqlite", "":
		path := cfg.Database
		if path == "" {
			path = "oms.db"
		}
		dialector = sqlite.Open(path)

	default:
		return nil, fmt.Errorf("unsupported store dialect: %s", cfg.Dialect)
	}

	gormConfig := &gorm.Config{}
	if log != nil {
		gormConfig.Logger = newGormLogger(log.Named("gorm"))
	} else {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to store: %w", err)
	}

	if cfg.Dialect == "postgres" {
		if err := configurePool(db, cfg); err != nil {
			return nil, err
		}
	}

	if err := db.AutoMigrate(models.ModelsToAutoMigrate()...); err != nil {
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}
	return db, nil
}

func configurePool(db *gorm.DB, cfg *config.StoreConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting sql pool: %w", err)
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = defaultMaxOpenConns
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(defaultConnMaxIdleTime)
	return nil
}

// PoolStats is a monitoring snapshot of the connection pool.
type PoolStats struct {
	MaxOpenConnections int           `json:"maxOpenConnections"`
	OpenConnections    int           `json:"openConnections"`
	InUse              int           `json:"inUse"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"waitCount"`
	WaitDuration       time.Duration `json:"waitDuration"`
}

// Stats reads the current pool statistics.
func Stats(db *gorm.DB) (*PoolStats, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql pool: %w", err)
	}
	s := sqlDB.Stats()
	return &PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}, nil
}

// gormHclogAdapter routes gorm query logging through hclog.
type gormHclogAdapter struct {
	logger hclog.Logger
	level  gormlogger.LogLevel
}

func newGormLogger(log hclog.Logger) gormlogger.Interface {
	return &gormHclogAdapter{logger: log, level: gormlogger.Warn}
}

func (g *gormHclogAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormHclogAdapter{logger: g.logger, level: level}
}

func (g *gormHclogAdapter) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Info {
		g.logger.Info(msg, data...)
	}
}

func (g *gormHclogAdapter) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.logger.Warn(msg, data...)
	}
}

func (g *gormHclogAdapter) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Error {
		g.logger.Error(msg, data...)
	}
}

func (g *gormHclogAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && err != gorm.ErrRecordNotFound && g.level >= gormlogger.Error:
		g.logger.Error("query failed", "error", err, "elapsed", elapsed, "rows", rows, "sql", sql)
	case elapsed > 200*time.Millisecond && g.level >= gormlogger.Warn:
		g.logger.Warn("slow query", "elapsed", elapsed, "rows", rows, "sql", sql)
	case g.level >= gormlogger.Info:
		g.logger.Debug("query", "elapsed", elapsed, "rows", rows, "sql", sql)
	}
}
