// Package bootstrap opens the shared runtime dependencies of the api and
// worker processes from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"session-recap/internal/audio"
	"session-recap/internal/config"
	"session-recap/internal/models"
	"session-recap/internal/queue"
	"session-recap/internal/store"
)

// JobStore is a durable job table that can also be listed.
type JobStore interface {
	queue.Store
	ListJobs(ctx context.Context, filter store.JobFilter) ([]models.Job, error)
}

// Backend is the opened database.
type Backend struct {
	Jobs    JobStore
	Records *store.Records
	closers []func()
}

// Close releases database connections.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// OpenBackend connects to the configured database and applies migrations.
// With the postgres driver jobs are claimed through pgx and records share the
// same pool through gorm.
func OpenBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := store.AutoMigrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		logger.Info("database ready", "driver", cfg.DBDriver, "path", cfg.SQLitePath)
		return &Backend{
			Jobs:    store.NewGorm(db),
			Records: store.NewRecords(db),
			closers: []func(){func() { _ = sqlDB.Close() }},
		}, nil

	case config.DriverPostgres:
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		db, err := store.OpenGormPostgres(pg.Pool())
		if err != nil {
			pg.Close()
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("database ready", "driver", cfg.DBDriver)
		return &Backend{
			Jobs:    pg,
			Records: store.NewRecords(db),
			closers: []func(){pg.Close, func() { _ = sqlDB.Close() }},
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
}

// OpenRedis returns a connected client, or nil when REDIS_ADDR is unset or
// the server does not answer. Redis only accelerates wake-ups and backs the
// rate limiter, so the processes run without it.
func OpenRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// AudioSource builds the recording source: local files, plus S3 when
// configured.
func AudioSource(ctx context.Context, cfg config.Config) (audio.Source, error) {
	local := audio.Local{Root: cfg.AudioRoot}
	if !cfg.S3Enabled() {
		return audio.NewRouter(local, nil), nil
	}
	remote, err := audio.NewS3(ctx, audio.S3Config{
		Region:    cfg.AudioS3Region,
		Endpoint:  cfg.AudioS3Endpoint,
		PathStyle: cfg.AudioS3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return audio.NewRouter(local, remote), nil
}

// WorkerID returns the configured worker identity or derives one from the
// hostname.
func WorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
