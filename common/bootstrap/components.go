package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/db"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/queue"
	redisclient "github.com/lyzr/mediapipe/common/redis"
	"github.com/lyzr/mediapipe/common/telemetry"
)

// Components holds the shared infrastructure of a mediapipe process. DB,
// Redis, Queue and Telemetry are nil when disabled or skipped.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redisclient.Client
	Queue     queue.Queue
	Metrics   *metrics.Pipeline
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown runs registered cleanups in reverse order of registration and
// reports every failure. Calling it twice is a no-op.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.Logger.Error("cleanup error", "error", err)
			errs = append(errs, err)
		}
	}
	c.cleanupFuncs = nil

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health reports the first unhealthy dependency: database, redis, then the
// storage roots uploads are written to.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	if c.Config != nil {
		s := c.Config.Storage
		for _, dir := range []string{s.ArtifactRoot, s.ThumbnailRoot, s.TempDir} {
			if err := checkDir(dir); err != nil {
				return fmt.Errorf("storage unhealthy: %w", err)
			}
		}
	}
	return nil
}

// checkDir accepts a directory or a path that does not exist yet; roots
// are created on first write.
func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// AddCleanup registers a cleanup function run by Shutdown
func (c *Components) AddCleanup(fn func() error) {
	c.addCleanup(fn)
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
