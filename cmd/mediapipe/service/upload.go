package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lyzr/mediapipe/cmd/mediapipe/progress"
	"github.com/lyzr/mediapipe/common/logger"
	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/metrics"
	"github.com/lyzr/mediapipe/common/models"
	"github.com/lyzr/mediapipe/common/queue"
	"github.com/lyzr/mediapipe/common/ratelimit"
	"github.com/lyzr/mediapipe/common/repository"
	"github.com/lyzr/mediapipe/common/storagepath"
	"github.com/lyzr/mediapipe/common/transcoder"
)

// Pipeline stages reported to the progress tracker and carried by errors
const (
	StageReceiving   = "receiving"
	StageQueued      = "queued"
	StageHashing     = "hashing"
	StageLookup      = "lookup"
	StageTranscoding = "transcoding"
	StageRegistering = "registering"
	StageDone        = "done"
)

// MediaTranscoder plans and runs transcodes. *transcoder.Set implements it.
type MediaTranscoder interface {
	Plan(ctx context.Context, path, declaredMime string, opts transcoder.Options) (*transcoder.Plan, error)
	Run(ctx context.Context, plan *transcoder.Plan, inputPath, outputPath, thumbnailPath string) (*transcoder.Result, error)
}

// UploadService deduplicates uploads against the hash registry and
// transcodes novel content into the sharded store
type UploadService struct {
	store       repository.Store
	registry    *RegistryService
	transcoder  MediaTranscoder
	paths       *storagepath.Deriver
	tracker     *progress.Tracker
	queue       queue.Queue
	topic       string
	tempDir     string
	baseURL     string
	rateLimiter *ratelimit.RateLimiter
	metrics     *metrics.Pipeline
	logger      *logger.Logger

	flights singleflight.Group
}

// UploadServiceOpts contains options for creating an UploadService
type UploadServiceOpts struct {
	Store         repository.Store
	Registry      *RegistryService
	Transcoder    MediaTranscoder
	Paths         *storagepath.Deriver
	Tracker       *progress.Tracker
	Queue         queue.Queue
	Topic         string
	TempDir       string
	PublicBaseURL string
	RateLimiter   *ratelimit.RateLimiter // optional
	Metrics       *metrics.Pipeline
	Logger        *logger.Logger
}

// NewUploadService creates a new upload service with options pattern
func NewUploadService(opts *UploadServiceOpts) *UploadService {
	return &UploadService{
		store:       opts.Store,
		registry:    opts.Registry,
		transcoder:  opts.Transcoder,
		paths:       opts.Paths,
		tracker:     opts.Tracker,
		queue:       opts.Queue,
		topic:       opts.Topic,
		tempDir:     opts.TempDir,
		baseURL:     opts.PublicBaseURL,
		rateLimiter: opts.RateLimiter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// UploadInput is one incoming file
type UploadInput struct {
	Reader       io.Reader
	Filename     string
	DeclaredMime string
	// Size is the client-declared size, used for rate limiting only
	Size     int64
	OwnerID  string
	Metadata models.MediaMetadata
}

// UploadJob is the queue message for a persisted upload
type UploadJob struct {
	TaskID       string               `json:"task_id"`
	TempPath     string               `json:"temp_path"`
	Filename     string               `json:"filename"`
	DeclaredMime string               `json:"declared_mime"`
	OwnerID      string               `json:"owner_id"`
	Metadata     models.MediaMetadata `json:"metadata"`
}

// MediaDetails is a media record with its public URLs resolved
type MediaDetails struct {
	*models.Media
	URL           string   `json:"url"`
	ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
	ThumbnailURLs []string `json:"thumbnail_urls,omitempty"`
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Tier              ratelimit.UploadTier
	Limit             int64
	CurrentCount      int64
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s tier allows %d uploads/minute, retry after %d seconds",
		e.Tier, e.Limit, e.RetryAfterSeconds)
}

// reporter forwards stage changes to the progress tracker
type reporter func(status models.TaskStatus, stage string, progress int) error

func noReport(models.TaskStatus, string, int) error { return nil }

// ingestResult is what a (possibly shared) ingest produced
type ingestResult struct {
	entry       *models.ContentHashEntry
	mediaID     uuid.UUID
	isDuplicate bool
}

// SubmitUpload stores one upload synchronously and returns its media
// record
func (s *UploadService) SubmitUpload(ctx context.Context, in *UploadInput) (*models.UploadResult, error) {
	if err := s.checkRateLimit(ctx, in); err != nil {
		return nil, err
	}

	tempPath, err := s.persist(ctx, in)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	defer s.removeTemp(tempPath)

	return s.process(ctx, &UploadJob{
		TempPath:     tempPath,
		Filename:     in.Filename,
		DeclaredMime: in.DeclaredMime,
		OwnerID:      in.OwnerID,
		Metadata:     in.Metadata,
	}, noReport)
}

// Enqueue persists the upload, creates its task and hands it to the
// workers. The returned task id is polled through the progress tracker.
func (s *UploadService) Enqueue(ctx context.Context, in *UploadInput) (string, error) {
	if err := s.checkRateLimit(ctx, in); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	log := s.logger.WithTaskID(taskID)

	if _, err := s.tracker.Create(ctx, taskID, in.Filename, in.OwnerID); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := s.tracker.Update(ctx, taskID, models.TaskUploading, StageReceiving, 0); err != nil {
		log.Warn("failed to report progress", "stage", StageReceiving, "error", err)
	}

	tempPath, err := s.persist(ctx, in)
	if err != nil {
		s.failTask(ctx, taskID, err)
		return "", err
	}

	if err := s.tracker.Update(ctx, taskID, models.TaskUploading, StageQueued, 10); err != nil {
		log.Warn("failed to report progress", "stage", StageQueued, "error", err)
	}

	job := &UploadJob{
		TaskID:       taskID,
		TempPath:     tempPath,
		Filename:     in.Filename,
		DeclaredMime: in.DeclaredMime,
		OwnerID:      in.OwnerID,
		Metadata:     in.Metadata,
	}
	data, err := json.Marshal(job)
	if err != nil {
		s.removeTemp(tempPath)
		return "", fmt.Errorf("failed to marshal upload job: %w", err)
	}

	if err := s.queue.Publish(ctx, s.topic, taskID, data); err != nil {
		s.removeTemp(tempPath)
		err = mediaerr.Storage(err, "failed to enqueue upload").WithStage(StageQueued)
		s.failTask(ctx, taskID, err)
		return "", err
	}

	log.Info("upload queued",
		"filename", in.Filename,
		"owner_id", in.OwnerID)

	return taskID, nil
}

// Process runs a queued upload and drives its task to a terminal state.
// The temp file is removed whatever the outcome.
func (s *UploadService) Process(ctx context.Context, job *UploadJob) error {
	defer s.removeTemp(job.TempPath)
	log := s.logger.WithTaskID(job.TaskID)

	task, err := s.tracker.GetTaskProgress(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status.IsTerminal() {
		log.Warn("skipping upload for finished task", "status", task.Status)
		return nil
	}

	report := func(status models.TaskStatus, stage string, p int) error {
		err := s.tracker.Update(ctx, job.TaskID, status, stage, p)
		if errors.Is(err, progress.ErrInvalidTransition) {
			// the task timed out underneath us
			return mediaerr.Timeout("task %s abandoned", job.TaskID).WithStage(stage)
		}
		if err != nil {
			log.Warn("failed to report progress", "stage", stage, "error", err)
		}
		return nil
	}

	result, err := s.process(ctx, job, report)
	if err != nil {
		s.failTask(ctx, job.TaskID, err)
		return err
	}

	if err := s.tracker.Complete(ctx, job.TaskID, result); err != nil {
		log.Warn("failed to complete task", "media_id", result.MediaID, "error", err)
	}
	return nil
}

// process hashes the temp file and either binds to an existing entry or
// transcodes and registers new content
func (s *UploadService) process(ctx context.Context, job *UploadJob, report reporter) (*models.UploadResult, error) {
	result, size, err := s.ingest(ctx, job, report)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}

	out := s.uploadResult(result.entry, result.mediaID, result.isDuplicate, size)
	if result.isDuplicate {
		s.metrics.UploadsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		s.metrics.DedupBytesSaved.Add(float64(size))
	} else {
		s.metrics.UploadsTotal.WithLabelValues(metrics.OutcomeNovel).Inc()
	}

	s.logger.WithMediaID(out.MediaID).Info("upload stored",
		"task_id", job.TaskID,
		"digest", out.Digest,
		"duplicate", out.IsDuplicate,
		"space_saved", out.SpaceSaved)

	return out, nil
}

func (s *UploadService) ingest(ctx context.Context, job *UploadJob, report reporter) (*ingestResult, int64, error) {
	if err := report(models.TaskProcessing, StageHashing, 20); err != nil {
		return nil, 0, err
	}
	digest, size, err := s.registry.ComputeFileDigest(ctx, job.TempPath)
	if err != nil {
		return nil, 0, mediaerr.AtStage(err, StageHashing)
	}

	if err := report(models.TaskProcessing, StageLookup, 30); err != nil {
		return nil, 0, err
	}

	media := s.newMedia(job)
	v, err, shared := s.flights.Do(digest, func() (interface{}, error) {
		return s.ingestDigest(ctx, digest, size, job, media, report)
	})

	if err != nil {
		// a leader that ran out of time does not decide for followers that are still live
		if shared && ctx.Err() == nil && leaderExpired(err) {
			res, err := s.ingestDigest(ctx, digest, size, job, media, report)
			return res, size, err
		}
		return nil, 0, err
	}

	res := v.(*ingestResult)
	if res.mediaID == media.ID {
		return res, size, nil
	}

	// Follower of a concurrent upload of the same content: bind to the
	// entry it produced.
	s.metrics.SingleflightDedup.Inc()
	if err := report(models.TaskSaving, StageRegistering, 80); err != nil {
		return nil, 0, err
	}
	media.ContentHashID = res.entry.ID
	media.MediaType = mediaTypeOf(res.entry)
	err = s.store.CreateWithRef(ctx, media)
	if errors.Is(err, mediaerr.ErrNotFound) {
		follow, err := s.ingestDigest(ctx, digest, size, job, media, report)
		return follow, size, err
	}
	if err != nil {
		return nil, 0, mediaerr.AtStage(err, StageRegistering)
	}
	return &ingestResult{entry: res.entry, mediaID: media.ID, isDuplicate: true}, size, nil
}

// ingestDigest stores media under digest, reusing the registered entry
// when there is one
func (s *UploadService) ingestDigest(ctx context.Context, digest string, size int64, job *UploadJob, media *models.Media, report reporter) (*ingestResult, error) {
	entry, err := s.registry.Lookup(ctx, digest)
	if err != nil {
		return nil, mediaerr.AtStage(err, StageLookup)
	}

	if entry != nil {
		if err := report(models.TaskSaving, StageRegistering, 80); err != nil {
			return nil, err
		}
		media.ContentHashID = entry.ID
		media.MediaType = mediaTypeOf(entry)
		err := s.store.CreateWithRef(ctx, media)
		if err == nil {
			return &ingestResult{entry: entry, mediaID: media.ID, isDuplicate: true}, nil
		}
		if !errors.Is(err, mediaerr.ErrNotFound) {
			return nil, mediaerr.AtStage(err, StageRegistering)
		}
		// reaped between lookup and bind
		s.logger.WithDigest(digest).Info("entry reaped during upload, storing again")
	}

	return s.ingestNovel(ctx, digest, size, job, media, report)
}

// ingestNovel transcodes into staging files next to the final paths and
// registers the entry. The staged files are renamed into place inside the
// registration transaction, only when this upload created the row.
func (s *UploadService) ingestNovel(ctx context.Context, digest string, size int64, job *UploadJob, media *models.Media, report reporter) (*ingestResult, error) {
	log := s.logger.WithDigest(digest)

	if err := report(models.TaskProcessing, StageTranscoding, 40); err != nil {
		return nil, err
	}

	plan, err := s.transcoder.Plan(ctx, job.TempPath, job.DeclaredMime, transcoder.Options{})
	if err != nil {
		return nil, mediaerr.AtStage(err, StageTranscoding)
	}

	path, err := s.paths.Derive(digest, plan.OutputExt)
	if err != nil {
		return nil, mediaerr.AtStage(err, StageTranscoding)
	}

	stagedArtifact := stagingPath(path.ArtifactPath)
	stagedThumb := stagingPath(path.ThumbnailPath)
	staged := append([]string{stagedArtifact}, transcoder.ThumbnailSeries(stagedThumb, max(plan.Options.Thumbnails, 1))...)
	defer func() {
		if err := removeFiles(staged...); err != nil {
			log.Warn("failed to remove staged outputs", "error", err)
		}
	}()

	start := time.Now()
	res, err := s.transcoder.Run(ctx, plan, job.TempPath, stagedArtifact, stagedThumb)
	if err != nil {
		return nil, mediaerr.AtStage(err, StageTranscoding)
	}
	s.metrics.TranscodeDuration.WithLabelValues(string(plan.Category)).Observe(time.Since(start).Seconds())
	staged = append(staged, res.ThumbnailPaths...)

	entry := &models.ContentHashEntry{
		ID:                uuid.New(),
		Digest:            digest,
		ArtifactPath:      path.RelPath,
		MimeType:          plan.OutputMime,
		SizeBytes:         res.Size,
		OriginalSizeBytes: size,
		Width:             positiveInt(res.Width),
		Height:            positiveInt(res.Height),
		DurationSeconds:   positiveFloat(res.DurationSeconds),
	}

	moves := []move{{staged: stagedArtifact, final: path.ArtifactPath}}
	if n := len(res.ThumbnailPaths); n > 0 {
		thumbRel := path.ThumbnailRelPath
		entry.ThumbnailPath = &thumbRel
		entry.ThumbnailCount = n
		for i, final := range transcoder.ThumbnailSeries(path.ThumbnailPath, n) {
			moves = append(moves, move{staged: res.ThumbnailPaths[i], final: final})
		}
	}
	media.MediaType = models.MediaType(plan.Category)

	if err := report(models.TaskSaving, StageRegistering, 80); err != nil {
		return nil, err
	}

	var written []placed
	bound, created, err := s.store.RegisterAndCreate(ctx, entry, media, func() error {
		var perr error
		written, perr = publish(moves)
		return perr
	})
	if err != nil {
		unpublish(written)
		return nil, mediaerr.AtStage(err, StageRegistering)
	}

	if !created {
		// Another process registered the digest while we transcoded. Our
		// increment landed on its row and our staged outputs are dropped.
		s.registry.recordRace(digest)
		media.MediaType = mediaTypeOf(bound)
		return &ingestResult{entry: bound, mediaID: media.ID, isDuplicate: true}, nil
	}

	s.metrics.StoredBytes.Add(float64(res.Size))
	log.Info("registered new content",
		"artifact", path.RelPath,
		"category", plan.Category,
		"profiles", res.Profiles,
		"size", res.Size)

	return &ingestResult{entry: bound, mediaID: media.ID, isDuplicate: false}, nil
}

// DeleteMedia soft-deletes a media record and releases its reference. The
// artifact stays until the reaper collects the unreferenced entry.
func (s *UploadService) DeleteMedia(ctx context.Context, mediaID uuid.UUID, ownerID string) error {
	media, err := s.store.SoftDelete(ctx, mediaID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete media: %w", err)
	}

	s.logger.WithMediaID(mediaID.String()).Info("media deleted",
		"owner_id", ownerID,
		"content_hash_id", media.ContentHashID)
	return nil
}

// GetMedia returns a live media record with its URLs
func (s *UploadService) GetMedia(ctx context.Context, mediaID uuid.UUID) (*MediaDetails, error) {
	media, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	return s.details(media), nil
}

// ListMedia returns an owner's live media, newest first
func (s *UploadService) ListMedia(ctx context.Context, ownerID string, limit int) ([]*MediaDetails, error) {
	list, err := s.store.ListMedia(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	out := make([]*MediaDetails, 0, len(list))
	for _, m := range list {
		out = append(out, s.details(m))
	}
	return out, nil
}

// GetTaskProgress returns the state of an upload task
func (s *UploadService) GetTaskProgress(ctx context.Context, taskID string) (*models.UploadTask, error) {
	return s.tracker.GetTaskProgress(ctx, taskID)
}

// persist copies the upload stream into a temp file
func (s *UploadService) persist(ctx context.Context, in *UploadInput) (string, error) {
	if in.Reader == nil {
		return "", mediaerr.Input("no file provided").WithStage(StageReceiving)
	}
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", mediaerr.Storage(err, "failed to create temp dir").WithStage(StageReceiving)
	}

	f, err := os.CreateTemp(s.tempDir, TempPrefix+"*")
	if err != nil {
		return "", mediaerr.Storage(err, "failed to create temp file").WithStage(StageReceiving)
	}

	n, err := io.Copy(f, &contextReader{ctx: ctx, r: in.Reader})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.removeTemp(f.Name())
		return "", mediaerr.AtStage(mediaerr.Storage(err, "failed to receive upload"), StageReceiving)
	}
	if n == 0 {
		s.removeTemp(f.Name())
		return "", mediaerr.Input("empty file %q", in.Filename).WithStage(StageReceiving)
	}
	return f.Name(), nil
}

// checkRateLimit admits the upload against its owner's tier. Limiter
// failures let the upload through.
func (s *UploadService) checkRateLimit(ctx context.Context, in *UploadInput) error {
	if s.rateLimiter == nil || in.OwnerID == "" {
		return nil
	}

	result, profile, err := s.rateLimiter.CheckUpload(ctx, in.OwnerID, in.DeclaredMime, in.Size)
	if err != nil {
		s.logger.Error("rate limit check failed", "error", err)
		return nil
	}
	if result.Allowed {
		return nil
	}

	s.logger.Warn("rate limit exceeded",
		"owner_id", in.OwnerID,
		"tier", profile.Tier,
		"limit", result.Limit,
		"current", result.CurrentCount,
		"retry_after", result.RetryAfterSeconds)

	return &RateLimitError{
		Tier:              profile.Tier,
		Limit:             result.Limit,
		CurrentCount:      result.CurrentCount,
		RetryAfterSeconds: result.RetryAfterSeconds,
	}
}

func (s *UploadService) failTask(ctx context.Context, taskID string, cause error) {
	if err := s.tracker.Fail(ctx, taskID, mediaerr.StageOf(cause), cause); err != nil {
		s.logger.WithTaskID(taskID).Warn("failed to mark task failed", "error", err, "cause", cause)
	}
}

func (s *UploadService) recordFailure(err error) {
	s.metrics.UploadsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	s.metrics.UploadFailures.WithLabelValues(string(mediaerr.KindOf(err)), mediaerr.StageOf(err)).Inc()
}

func (s *UploadService) removeTemp(path string) {
	if err := removeFiles(path); err != nil {
		s.logger.Warn("failed to remove temp file", "path", path, "error", err)
	}
}

func (s *UploadService) newMedia(job *UploadJob) *models.Media {
	return &models.Media{
		ID:               uuid.New(),
		OwnerID:          job.OwnerID,
		Title:            job.Metadata.Title,
		Description:      job.Metadata.Description,
		Category:         job.Metadata.Category,
		Tags:             job.Metadata.Tags,
		OriginalFilename: job.Filename,
	}
}

func (s *UploadService) uploadResult(entry *models.ContentHashEntry, mediaID uuid.UUID, isDuplicate bool, size int64) *models.UploadResult {
	out := &models.UploadResult{
		MediaID:     mediaID.String(),
		Digest:      entry.Digest,
		IsDuplicate: isDuplicate,
		URL:         artifactURL(s.baseURL, entry.ArtifactPath),
		MimeType:    entry.MimeType,
		MediaType:   string(mediaTypeOf(entry)),
	}
	if isDuplicate {
		out.SpaceSaved = size
	}
	if urls := thumbnailURLs(s.baseURL, entry); len(urls) > 0 {
		out.ThumbnailURL = urls[0]
	}
	return out
}

func (s *UploadService) details(m *models.Media) *MediaDetails {
	d := &MediaDetails{Media: m}
	if m.Entry != nil {
		d.URL = artifactURL(s.baseURL, m.Entry.ArtifactPath)
		d.ThumbnailURLs = thumbnailURLs(s.baseURL, m.Entry)
		if len(d.ThumbnailURLs) > 0 {
			d.ThumbnailURL = d.ThumbnailURLs[0]
		}
	}
	return d
}

// artifactURL maps a path relative to the artifact root to its public URL
func artifactURL(baseURL, rel string) string {
	return storagepath.URL(baseURL, "media/"+rel)
}

// thumbnailURLs lists the public URLs of an entry's thumbnail series
func thumbnailURLs(baseURL string, e *models.ContentHashEntry) []string {
	if e.ThumbnailPath == nil || e.ThumbnailCount == 0 {
		return nil
	}
	rels := transcoder.ThumbnailSeries(*e.ThumbnailPath, e.ThumbnailCount)
	urls := make([]string, 0, len(rels))
	for _, rel := range rels {
		urls = append(urls, storagepath.URL(baseURL, "thumbnails/"+rel))
	}
	return urls
}

func mediaTypeOf(e *models.ContentHashEntry) models.MediaType {
	if c, ok := transcoder.CategoryForMime(e.MimeType); ok {
		return models.MediaType(c)
	}
	return ""
}

func positiveInt(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func positiveFloat(f float64) *float64 {
	if f <= 0 {
		return nil
	}
	return &f
}

// leaderExpired reports whether a flight failed because the leader's own
// context or task deadline ran out rather than because of the content.
func leaderExpired(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		mediaerr.KindOf(err) == mediaerr.KindTimeout
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
