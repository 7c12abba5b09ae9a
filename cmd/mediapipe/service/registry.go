package service

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/lyzr/mediapipe/common/digest"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
	"github.com/lyzr/mediapipe/common/repository"
)

// RegistryService maps content digests to canonical artifacts and keeps
// their reference counts
type RegistryService struct {
	store   repository.HashStore
	hasher  *digest.Hasher
	metrics *metrics.Pipeline
	logger  *logger.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(store repository.HashStore, hasher *digest.Hasher, m *metrics.Pipeline, log *logger.Logger) *RegistryService {
	return &RegistryService{
		store:   store,
		hasher:  hasher,
		metrics: m,
		logger:  log,
	}
}

// ComputeDigest streams r through the configured hash
func (s *RegistryService) ComputeDigest(ctx context.Context, r io.Reader) (string, int64, error) {
	return s.hasher.Compute(ctx, r)
}

// ComputeFileDigest hashes a file on disk
func (s *RegistryService) ComputeFileDigest(ctx context.Context, path string) (string, int64, error) {
	return s.hasher.ComputeFile(ctx, path)
}

// Lookup returns the entry for digest, or nil when it is not registered
func (s *RegistryService) Lookup(ctx context.Context, digest string) (*models.ContentHashEntry, error) {
	entry, err := s.store.GetByDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to look up digest: %w", err)
	}
	return entry, nil
}

// Register inserts entry with one reference, or adds a reference to the
// entry already registered under the same digest. created is false when
// another upload registered the digest first; the returned entry is then
// the winner's and the caller's own artifact is redundant.
func (s *RegistryService) Register(ctx context.Context, entry *models.ContentHashEntry) (*models.ContentHashEntry, bool, error) {
	stored, created, err := s.store.Upsert(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to register digest: %w", err)
	}
	if !created {
		s.recordRace(entry.Digest)
	}
	return stored, created, nil
}

// IncrementRef adds a reference to an entry
func (s *RegistryService) IncrementRef(ctx context.Context, id uuid.UUID) error {
	if err := s.store.IncrementRef(ctx, id); err != nil {
		return fmt.Errorf("failed to increment ref: %w", err)
	}
	return nil
}

// DecrementRef releases a reference. The count never drops below zero.
func (s *RegistryService) DecrementRef(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DecrementRef(ctx, id); err != nil {
		return fmt.Errorf("failed to decrement ref: %w", err)
	}
	return nil
}

// recordRace notes a registration that bound to a concurrent winner
func (s *RegistryService) recordRace(digest string) {
	s.metrics.RegistryRaces.Inc()
	s.logger.Debug("registry race recovered",
		"digest", digest,
		"reason", mediaerr.RegistryRaceLost(digest).Error())
}
