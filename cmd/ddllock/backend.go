package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ddllock/internal/config"
	"ddllock/internal/lock"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// renewer is implemented by lease stores whose leases expire unless renewed.
type renewer interface {
	KeepAlive(ctx context.Context, interval time.Duration)
	ReleaseAll(ctx context.Context) error
}

// openLocker connects to the configured lease store.
func openLocker(cfg *config.Config, opts lock.Options, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Address, err)
		}
		logger.Info("connected to Redis", "address", cfg.Redis.Address)
		return lock.NewRedisLocker(client, cfg.Redis.KeyPrefix, opts, logger), nil

	case config.BackendZooKeeper:
		locker, err := lock.NewZooKeeperLocker(lock.ZooKeeperOptions{
			Servers:        cfg.ZooKeeper.Servers,
			Root:           cfg.ZooKeeper.Root,
			SessionTimeout: cfg.ZooKeeper.SessionTimeout,
		}, opts, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to ZooKeeper", "servers", cfg.ZooKeeper.Servers, "root", cfg.ZooKeeper.Root)
		return locker, nil

	default:
		return nil, fmt.Errorf("unsupported backend: %q", cfg.Backend)
	}
}

// setupTracing installs a stdout span exporter when enabled. The returned
// function flushes and stops it.
func setupTracing(cfg config.TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Stdout {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
