package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/repository"
	"github.com/lyzr/mediapipe/common/storagepath"
	"github.com/lyzr/mediapipe/common/transcoder"
)

// MaintenanceService collects unreferenced content, repairs drifted
// reference counts and removes abandoned temp files
type MaintenanceService struct {
	store   repository.HashStore
	paths   *storagepath.Deriver
	tempDir string
	metrics *metrics.Pipeline
	logger  *logger.Logger
	now     func() time.Time
}

// MaintenanceServiceOpts contains options for creating a MaintenanceService
type MaintenanceServiceOpts struct {
	Store   repository.HashStore
	Paths   *storagepath.Deriver
	TempDir string
	Metrics *metrics.Pipeline
	Logger  *logger.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// NewMaintenanceService creates a new maintenance service with options pattern
func NewMaintenanceService(opts *MaintenanceServiceOpts) *MaintenanceService {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MaintenanceService{
		store:   opts.Store,
		paths:   opts.Paths,
		tempDir: opts.TempDir,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     now,
	}
}

// Reap deletes entries that have had no references for longer than grace,
// together with their artifact, thumbnails and the version files of their
// deleted media. Batches of batchSize run until none are left.
func (s *MaintenanceService) Reap(ctx context.Context, grace time.Duration, batchSize int) ([]repository.ReapedEntry, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := s.now().Add(-grace)

	var all []repository.ReapedEntry
	for {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		reaped, err := s.store.Reap(ctx, cutoff, batchSize, s.unlink)
		if err != nil {
			return all, fmt.Errorf("failed to reap entries: %w", err)
		}
		all = append(all, reaped...)
		s.metrics.ReapedEntries.Add(float64(len(reaped)))

		for _, r := range reaped {
			s.logger.Info("reaped entry",
				"digest", r.Entry.Digest,
				"artifact", r.Entry.ArtifactPath,
				"versions", len(r.VersionPaths))
		}

		if len(reaped) < batchSize {
			return all, nil
		}
	}
}

// unlink removes the files of a reaped entry. It runs while the entry row
// is still locked, so a concurrent upload of the same digest waits for it.
func (s *MaintenanceService) unlink(r repository.ReapedEntry) error {
	paths := []string{s.artifactFile(r.Entry.ArtifactPath)}
	if r.Entry.ThumbnailPath != nil {
		base := filepath.Join(s.paths.ThumbnailRoot, filepath.FromSlash(*r.Entry.ThumbnailPath))
		paths = append(paths, transcoder.ThumbnailSeries(base, max(r.Entry.ThumbnailCount, 1))...)
	}
	for _, rel := range r.VersionPaths {
		paths = append(paths, s.artifactFile(rel))
	}

	if err := removeFiles(paths...); err != nil {
		return mediaerr.Storage(err, "failed to remove files of %s", r.Entry.Digest)
	}
	return nil
}

func (s *MaintenanceService) artifactFile(rel string) string {
	return filepath.Join(s.paths.ArtifactRoot, filepath.FromSlash(rel))
}

// Reconcile recomputes every reference count from the live media records
// and reports the entries that had drifted
func (s *MaintenanceService) Reconcile(ctx context.Context) ([]repository.Drift, error) {
	drift, err := s.store.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile ref counts: %w", err)
	}

	for _, d := range drift {
		s.logger.Warn("ref count drift repaired",
			"digest", d.Digest,
			"was", d.Was,
			"now", d.Now)
	}
	s.metrics.ReconcileDrift.Add(float64(len(drift)))

	return drift, nil
}

// SweepTemp removes upload temp files and staging files older than maxAge.
// Younger files may belong to uploads still in flight.
func (s *MaintenanceService) SweepTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	sweep := func(root string, match func(name string) bool) error {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !match(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("failed to remove abandoned file", "path", path, "error", err)
				return nil
			}
			removed++
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to sweep %s: %w", root, err)
		}
		return nil
	}

	isTemp := func(name string) bool {
		return strings.HasPrefix(name, TempPrefix) || strings.HasPrefix(name, StagingPrefix)
	}
	isStaging := func(name string) bool {
		return strings.HasPrefix(name, StagingPrefix)
	}

	if err := sweep(s.tempDir, isTemp); err != nil {
		return removed, err
	}
	if err := sweep(s.paths.ArtifactRoot, isStaging); err != nil {
		return removed, err
	}
	if err := sweep(s.paths.ThumbnailRoot, isStaging); err != nil {
		return removed, err
	}

	s.metrics.TempFilesSwept.Add(float64(removed))
	if removed > 0 {
		s.logger.Info("swept abandoned files", "count", removed)
	}
	return removed, nil
}

// Start runs reaping and temp sweeps every cfg.Interval and reconciliation
// every cfg.ReconcileInterval until ctx is cancelled
func (s *MaintenanceService) Start(ctx context.Context, cfg config.MaintenanceConfig) {
	if !cfg.Enabled {
		s.logger.Info("maintenance disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Reap(ctx, cfg.ReapGrace, cfg.ReapBatch); err != nil {
					s.logger.Error("reap failed", "error", err)
				}
				if _, err := s.SweepTemp(ctx, cfg.TempMaxAge); err != nil {
					s.logger.Error("temp sweep failed", "error", err)
				}
			}
		}
	}()

	if cfg.ReconcileInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.Reconcile(ctx); err != nil {
						s.logger.Error("reconcile failed", "error", err)
					}
				}
			}
		}()
	}

	s.logger.Info("maintenance started",
		"interval", cfg.Interval,
		"reap_grace", cfg.ReapGrace,
		"reconcile_interval", cfg.ReconcileInterval)
}
