package bootstrap

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/db"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/queue"
	redisclient "github.com/lyzr/mediapipe/common/redis"
	"github.com/lyzr/mediapipe/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	switch {
	case options.customLogger != nil:
		components.Logger = options.customLogger
	case options.logOutput != nil:
		components.Logger = logger.NewWriter(options.logOutput, cfg.Service.LogLevel, cfg.Service.LogFormat)
	default:
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// 3. Initialize database (postgres backend only)
	if !options.skipDB && cfg.Database.Backend == "postgres" {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		if cfg.Database.AutoMigrate {
			if err := components.DB.Migrate(ctx); err != nil {
				components.Shutdown(ctx)
				return nil, err
			}
		}
	}

	// 4. Initialize Redis (optional unless a backend depends on it)
	if !options.skipRedis && cfg.Redis.Enabled {
		client, err := connectRedis(ctx, cfg, components.Logger)
		switch {
		case err == nil:
			components.Redis = client
			components.addCleanup(func() error {
				components.Logger.Info("closing redis connection")
				return client.Close()
			})
		case cfg.Tasks.Store == "redis" || cfg.Queue.Type == "redis":
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		default:
			components.Logger.Warn("redis unavailable, continuing without it", "error", err)
		}
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		components.Logger.Info("initializing queue",
			"type", cfg.Queue.Type,
		)

		switch cfg.Queue.Type {
		case "memory":
			components.Queue = queue.NewMemoryQueue(cfg.Queue.BufferSize, components.Logger)
		case "redis":
			if components.Redis == nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("redis queue requires a redis connection")
			}
			components.Queue = queue.NewRedisQueue(components.Redis, "mediapipe:queue:", cfg.Queue.PollTimeout, components.Logger)
		default:
			components.Shutdown(ctx)
			return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Metrics
	components.Metrics = metrics.New(options.metricsRegistry)

	// 7. Initialize telemetry (if not skipped)
	if !options.skipTelemetry && (cfg.Telemetry.EnablePprof || cfg.Telemetry.EnableMetrics) {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(
			cfg.Telemetry.PprofPort,
			cfg.Telemetry.MetricsPort,
			cfg.Telemetry.EnablePprof,
			cfg.Telemetry.EnableMetrics,
			options.metricsGatherer,
			components.Logger,
		)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
		components.addCleanup(func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return components.Telemetry.Stop(stopCtx)
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redisclient.Client, error) {
	raw := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	client := redisclient.NewClient(raw, log)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		raw.Close()
		return nil, err
	}
	log.Info("redis connected", "addr", cfg.RedisAddr())
	return client, nil
}
