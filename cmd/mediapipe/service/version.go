package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
	"github.com/lyzr/mediapipe/common/repository"
	"github.com/lyzr/mediapipe/common/storagepath"
	"github.com/lyzr/mediapipe/common/transcoder"
)

// operationDefaults are the options each edit starts from. Caller options
// are applied on top as a JSON merge patch.
var operationDefaults = map[string]json.RawMessage{
	transcoder.OpTranscode: json.RawMessage(`{}`),
	transcoder.OpResize:    json.RawMessage(`{"max_width":1024,"max_height":1024}`),
	transcoder.OpRotate:    json.RawMessage(`{"rotate":90}`),
	transcoder.OpCrop:      json.RawMessage(`{}`),
	transcoder.OpGrayscale: json.RawMessage(`{}`),
	transcoder.OpTrim:      json.RawMessage(`{"trim_start":0,"trim_duration":10}`),
}

// VersionService re-processes a media item's canonical artifact into
// numbered derivatives
type VersionService struct {
	store      repository.Store
	transcoder MediaTranscoder
	paths      *storagepath.Deriver
	baseURL    string
	metrics    *metrics.Pipeline
	logger     *logger.Logger
}

// VersionServiceOpts contains options for creating a VersionService
type VersionServiceOpts struct {
	Store         repository.Store
	Transcoder    MediaTranscoder
	Paths         *storagepath.Deriver
	PublicBaseURL string
	Metrics       *metrics.Pipeline
	Logger        *logger.Logger
}

// NewVersionService creates a new version service with options pattern
func NewVersionService(opts *VersionServiceOpts) *VersionService {
	return &VersionService{
		store:      opts.Store,
		transcoder: opts.Transcoder,
		paths:      opts.Paths,
		baseURL:    opts.PublicBaseURL,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// CreateVersionRequest represents a request to derive a new version
type CreateVersionRequest struct {
	MediaID   uuid.UUID       `json:"-"`
	OwnerID   string          `json:"-"`
	Operation string          `json:"operation"`
	Options   json.RawMessage `json:"options"`
	Note      string          `json:"note"`
}

// CreateVersion transcodes the original artifact of a media item with the
// requested edit and appends the result to its history. Edits always start
// from the original, never from an earlier version. Only the owner may
// edit; anyone else gets NotFound, the same as DeleteMedia.
func (s *VersionService) CreateVersion(ctx context.Context, req *CreateVersionRequest) (*models.MediaVersion, error) {
	log := s.logger.WithMediaID(req.MediaID.String())

	effective, opts, err := resolveOptions(req.Operation, req.Options)
	if err != nil {
		return nil, err
	}

	media, err := s.store.GetMedia(ctx, req.MediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	if media.OwnerID != req.OwnerID {
		return nil, mediaerr.NotFound("media %s not found", req.MediaID)
	}
	entry := media.Entry
	if entry == nil {
		return nil, mediaerr.NotFound("content of media %s not found", req.MediaID)
	}

	source := filepath.Join(s.paths.ArtifactRoot, filepath.FromSlash(entry.ArtifactPath))
	plan, err := s.transcoder.Plan(ctx, source, entry.MimeType, opts)
	if err != nil {
		return nil, mediaerr.AtStage(err, StageTranscoding)
	}

	// Stage next to the version tree; the final name needs the version
	// number, which is only known inside the insert transaction.
	first, err := s.paths.VersionPath(entry.Digest, req.MediaID.String(), 1, plan.OutputExt)
	if err != nil {
		return nil, err
	}
	staged := stagingPath(first.ArtifactPath)
	defer func() {
		if err := removeFiles(staged); err != nil {
			log.Warn("failed to remove staged version", "error", err)
		}
	}()

	res, err := s.transcoder.Run(ctx, plan, source, staged, "")
	if err != nil {
		return nil, mediaerr.AtStage(err, StageTranscoding)
	}

	v := &models.MediaVersion{
		MediaID:         req.MediaID,
		Operation:       req.Operation,
		Options:         effective,
		MimeType:        plan.OutputMime,
		Width:           positiveInt(res.Width),
		Height:          positiveInt(res.Height),
		DurationSeconds: positiveFloat(res.DurationSeconds),
		SizeBytes:       res.Size,
		ChangeNote:      req.Note,
	}

	var written []placed
	err = s.store.AppendVersion(ctx, v, func(v *models.MediaVersion) error {
		p, err := s.paths.VersionPath(entry.Digest, req.MediaID.String(), v.VersionNumber, plan.OutputExt)
		if err != nil {
			return err
		}
		v.ArtifactPath = p.RelPath
		v.URL = artifactURL(s.baseURL, p.RelPath)
		written, err = publish([]move{{staged: staged, final: p.ArtifactPath}})
		return err
	})
	if err != nil {
		unpublish(written)
		return nil, mediaerr.AtStage(err, StageRegistering)
	}

	s.metrics.VersionsCreated.WithLabelValues(req.Operation).Inc()
	log.Info("version created",
		"version", v.VersionNumber,
		"operation", req.Operation,
		"artifact", v.ArtifactPath)

	return v, nil
}

// ListVersions returns the history of a live media item, oldest first
func (s *VersionService) ListVersions(ctx context.Context, mediaID uuid.UUID) ([]*models.MediaVersion, error) {
	if _, err := s.store.GetMedia(ctx, mediaID); err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	versions, err := s.store.ListVersions(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// resolveOptions merges caller options onto the operation defaults and
// decodes the result
func resolveOptions(operation string, options json.RawMessage) (json.RawMessage, transcoder.Options, error) {
	var opts transcoder.Options

	defaults, ok := operationDefaults[operation]
	if !ok {
		return nil, opts, mediaerr.Input("unknown operation %q", operation)
	}

	merged := defaults
	if len(options) > 0 && string(options) != "null" {
		var err error
		merged, err = jsonpatch.MergePatch(defaults, options)
		if err != nil {
			return nil, opts, mediaerr.Input("invalid options: %v", err)
		}
	}

	if err := json.Unmarshal(merged, &opts); err != nil {
		return nil, opts, mediaerr.Input("invalid options: %v", err)
	}
	opts.Operation = operation

	if operation == transcoder.OpCrop && (opts.Crop == nil || opts.Crop.Width <= 0 || opts.Crop.Height <= 0) {
		return nil, opts, mediaerr.Input("crop requires a rectangle with positive width and height")
	}

	return merged, opts, nil
}
