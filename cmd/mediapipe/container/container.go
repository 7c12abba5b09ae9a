package container

import (
	"context"
	"fmt"
	"io"

	"github.com/lyzr/mediapipe/cmd/mediapipe/fanout"
	"github.com/lyzr/mediapipe/cmd/mediapipe/progress"
	"github.com/lyzr/mediapipe/cmd/mediapipe/service"
	"github.com/lyzr/mediapipe/common/bootstrap"
	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/digest"
	"github.com/lyzr/mediapipe/common/process"
	"github.com/lyzr/mediapipe/common/ratelimit"
	"github.com/lyzr/mediapipe/common/repository"
	"github.com/lyzr/mediapipe/common/storagepath"
	"github.com/lyzr/mediapipe/common/transcoder"
	"github.com/lyzr/mediapipe/common/worker"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Storage
	Store  repository.Store
	Paths  *storagepath.Deriver
	Hasher *digest.Hasher

	// Pipeline building blocks
	Transcoder  *transcoder.Set
	Tracker     *progress.Tracker
	RateLimiter *ratelimit.RateLimiter

	// Services
	RegistryService    *service.RegistryService
	UploadService      *service.UploadService
	VersionService     *service.VersionService
	MaintenanceService *service.MaintenanceService

	// Workers
	UploadWorker *worker.Consumer[service.UploadJob]

	// Push updates, nil unless tasks.notify is on and redis is available
	Fanout           *fanout.Hub
	fanoutSubscriber *fanout.RedisSubscriber
}

// Option adjusts how the container is built
type Option func(*options)

type options struct {
	runner process.Runner
}

// WithRunner replaces the ffmpeg process runner
func WithRunner(r process.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components, opts ...Option) (*Container, error) {
	o := &options{runner: process.NewExecRunner()}
	for _, opt := range opts {
		opt(o)
	}

	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	var store repository.Store
	if components.DB != nil {
		store = repository.NewPostgresStore(components.DB)
	} else {
		log.Warn("no database configured, using in-memory store")
		store = repository.NewMemoryStore()
	}

	paths := storagepath.New(cfg.Storage.ArtifactRoot, cfg.Storage.ThumbnailRoot)

	hasher, err := digest.NewHasher(cfg.Storage.DigestAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	set, err := transcoder.NewSet(o.runner, transcoderConfig(cfg.Transcode))
	if err != nil {
		return nil, fmt.Errorf("failed to create transcoders: %w", err)
	}

	tracker, err := newTracker(components)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		if components.Redis == nil {
			log.Warn("rate limiting needs redis, uploads will not be limited")
		} else {
			limiter = ratelimit.NewRateLimiter(
				components.Redis.GetUnderlying(),
				ratelimit.NewTierLimits(cfg.RateLimit.LightPerMinute, cfg.RateLimit.StandardPerMinute, cfg.RateLimit.HeavyPerMinute),
				log,
			)
		}
	}

	// Initialize services (bottom-up: dependencies first)
	registryService := service.NewRegistryService(store, hasher, components.Metrics, log)

	uploadService := service.NewUploadService(&service.UploadServiceOpts{
		Store:         store,
		Registry:      registryService,
		Transcoder:    set,
		Paths:         paths,
		Tracker:       tracker,
		Queue:         components.Queue,
		Topic:         cfg.Queue.Topic,
		TempDir:       cfg.Storage.TempDir,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		RateLimiter:   limiter,
		Metrics:       components.Metrics,
		Logger:        log,
	})

	versionService := service.NewVersionService(&service.VersionServiceOpts{
		Store:         store,
		Transcoder:    set,
		Paths:         paths,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Metrics:       components.Metrics,
		Logger:        log,
	})

	maintenanceService := service.NewMaintenanceService(&service.MaintenanceServiceOpts{
		Store:   store,
		Paths:   paths,
		TempDir: cfg.Storage.TempDir,
		Metrics: components.Metrics,
		Logger:  log,
	})

	var uploadWorker *worker.Consumer[service.UploadJob]
	if components.Queue != nil {
		uploadWorker = worker.NewConsumer(&worker.ConsumerOpts{
			Queue:       components.Queue,
			Topic:       cfg.Queue.Topic,
			Concurrency: cfg.Worker.Concurrency,
			DepthGauge:  components.Metrics.QueueDepth,
			Logger:      log,
		}, func(ctx context.Context, _ string, job *service.UploadJob) error {
			return uploadService.Process(ctx, job)
		})
	}

	var (
		hub        *fanout.Hub
		subscriber *fanout.RedisSubscriber
	)
	if cfg.Tasks.Notify && components.Redis != nil {
		hub = fanout.NewHub(components.Metrics.PushConnections, log)
		subscriber = fanout.NewRedisSubscriber(components.Redis.GetUnderlying(), hub, log)
	}

	return &Container{
		Components:         components,
		Store:              store,
		Paths:              paths,
		Hasher:             hasher,
		Transcoder:         set,
		Tracker:            tracker,
		RateLimiter:        limiter,
		RegistryService:    registryService,
		UploadService:      uploadService,
		VersionService:     versionService,
		MaintenanceService: maintenanceService,
		UploadWorker:       uploadWorker,
		Fanout:             hub,
		fanoutSubscriber:   subscriber,
	}, nil
}

// Start launches the background loops: task expiry, maintenance, push
// fan-out and the upload workers. They stop when ctx is cancelled.
func (c *Container) Start(ctx context.Context) error {
	cfg := c.Components.Config

	go c.Tracker.Start(ctx, cfg.Tasks.SweepInterval)
	c.MaintenanceService.Start(ctx, cfg.Maintenance)

	if c.Fanout != nil {
		go c.Fanout.Run(ctx)
		go func() {
			if err := c.fanoutSubscriber.Start(ctx); err != nil {
				c.Components.Logger.Error("fanout subscriber stopped", "error", err)
			}
		}()
	}

	if c.UploadWorker != nil {
		if err := c.UploadWorker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start upload worker: %w", err)
		}
	}
	return nil
}

// newTracker picks the task store from config. A Redis store shares
// progress between API replicas and workers.
func newTracker(components *bootstrap.Components) (*progress.Tracker, error) {
	cfg := components.Config.Tasks
	log := components.Logger

	var store progress.Store
	switch cfg.Store {
	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("redis task store requires a redis connection")
		}
		store = progress.NewRedisStore(components.Redis, cfg.Capacity, cfg.TTL, log)
	case "memory", "":
		store = progress.NewMemoryStore(cfg.Capacity, cfg.TTL, log)
	default:
		return nil, fmt.Errorf("unknown task store: %s", cfg.Store)
	}
	if closer, ok := store.(io.Closer); ok {
		components.AddCleanup(closer.Close)
	}

	opts := []progress.TrackerOption{progress.WithMetrics(components.Metrics)}
	if cfg.Notify && components.Redis != nil {
		opts = append(opts, progress.WithNotifier(progress.NewRedisNotifier(components.Redis, log)))
	}

	return progress.NewTracker(store, cfg.Timeout, log, opts...), nil
}

// transcoderConfig maps the transcode section onto per-category defaults
func transcoderConfig(cfg config.TranscodeConfig) transcoder.SetConfig {
	thumb := transcoder.Options{
		ThumbnailWidth:   cfg.ThumbnailWidth,
		ThumbnailHeight:  cfg.ThumbnailHeight,
		ThumbnailQuality: cfg.ThumbnailQuality,
	}

	image := thumb
	image.MaxWidth = cfg.ImageMaxWidth
	image.MaxHeight = cfg.ImageMaxHeight
	image.Quality = cfg.ImageQuality

	video := thumb
	video.MaxWidth = cfg.VideoMaxWidth
	video.MaxHeight = cfg.VideoMaxHeight
	video.Codec = cfg.VideoCodec
	video.Preset = cfg.VideoPreset
	video.CRF = cfg.VideoCRF
	video.StripMetadata = cfg.VideoStripMetadata
	video.Thumbnails = cfg.VideoThumbnails
	video.AudioBitrate = cfg.AudioBitrate

	audio := transcoder.Options{
		AudioCodec:    cfg.AudioCodec,
		AudioBitrate:  cfg.AudioBitrate,
		Normalize:     cfg.AudioNormalize,
		StripMetadata: cfg.VideoStripMetadata,
	}

	rules := make([]transcoder.ProfileRule, 0, len(cfg.ProfileRules))
	for _, r := range cfg.ProfileRules {
		rules = append(rules, transcoder.ProfileRule{Name: r.Name, When: r.When, Overrides: r.Overrides})
	}

	return transcoder.SetConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Image:       image,
		Video:       video,
		Audio:       audio,
		Profiles:    rules,
	}
}
