package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Storage     StorageConfig     `yaml:"storage"`
	Transcode   TranscodeConfig   `yaml:"transcode"`
	Tasks       TaskConfig        `yaml:"tasks"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	// MaxUploadBytes bounds a single multipart upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	// Backend is "postgres" or "memory". The memory backend keeps the
	// registry, media and version tables in process and is meant for
	// local development and tests.
	Backend     string        `yaml:"backend"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the on-disk layout of the content-addressed store
type StorageConfig struct {
	ArtifactRoot  string `yaml:"artifact_root"`
	ThumbnailRoot string `yaml:"thumbnail_root"`
	TempDir       string `yaml:"temp_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	// DigestAlgorithm is "sha256" or "blake3".
	DigestAlgorithm string `yaml:"digest_algorithm"`
}

// TranscodeConfig holds per-category transcoder settings
type TranscodeConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	ImageMaxWidth    int `yaml:"image_max_width"`
	ImageMaxHeight   int `yaml:"image_max_height"`
	ImageQuality     int `yaml:"image_quality"`
	ThumbnailWidth   int `yaml:"thumbnail_width"`
	ThumbnailHeight  int `yaml:"thumbnail_height"`
	ThumbnailQuality int `yaml:"thumbnail_quality"`

	VideoMaxWidth      int    `yaml:"video_max_width"`
	VideoMaxHeight     int    `yaml:"video_max_height"`
	VideoCodec         string `yaml:"video_codec"`
	VideoPreset        string `yaml:"video_preset"`
	VideoCRF           int    `yaml:"video_crf"`
	VideoStripMetadata bool   `yaml:"video_strip_metadata"`
	VideoThumbnails    int    `yaml:"video_thumbnails"`

	AudioCodec     string `yaml:"audio_codec"`
	AudioBitrate   string `yaml:"audio_bitrate"`
	AudioNormalize bool   `yaml:"audio_normalize"`

	// ProfileRules are CEL expressions that select encoder overrides.
	ProfileRules []ProfileRule `yaml:"profile_rules"`
}

// ProfileRule maps a CEL condition to encoder overrides
type ProfileRule struct {
	Name      string            `yaml:"name"`
	When      string            `yaml:"when"`
	Overrides map[string]string `yaml:"overrides"`
}

// TaskConfig holds progress tracker settings
type TaskConfig struct {
	// Store is "memory" or "redis".
	Store         string        `yaml:"store"`
	Timeout       time.Duration `yaml:"timeout"`
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Notify enables the Redis pub/sub push channel.
	Notify bool `yaml:"notify"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Type        string        `yaml:"type"` // "memory" or "redis"
	Topic       string        `yaml:"topic"`
	BufferSize  int           `yaml:"buffer_size"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// MaintenanceConfig holds periodic job settings
type MaintenanceConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	ReapGrace         time.Duration `yaml:"reap_grace"`
	ReapBatch         int           `yaml:"reap_batch"`
	TempMaxAge        time.Duration `yaml:"temp_max_age"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// RateLimitConfig holds per-owner upload admission limits. Uploads are
// counted per minute in separate light, standard and heavy tiers.
type RateLimitConfig struct {
	Enabled           bool  `yaml:"enabled"`
	LightPerMinute    int64 `yaml:"light_per_minute"`
	StandardPerMinute int64 `yaml:"standard_per_minute"`
	HeavyPerMinute    int64 `yaml:"heavy_per_minute"`
	// RequestsPerMinute bounds every other API call per owner.
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool `yaml:"enable_pprof"`
	PprofPort     int  `yaml:"pprof_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// Load loads configuration from defaults, an optional YAML file named by
// MEDIAPIPE_CONFIG, and environment variables, in that order of precedence
// (environment wins).
func Load(serviceName string) (*Config, error) {
	cfg := Default(serviceName)

	if path := os.Getenv("MEDIAPIPE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	return cfg, cfg.Validate()
}

// Default returns the built-in configuration
func Default(serviceName string) *Config {
	dataDir := filepath.Join(os.TempDir(), "mediapipe")

	return &Config{
		Service: ServiceConfig{
			Name:           serviceName,
			Port:           8080,
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "text",
			MaxUploadBytes: 2 << 30,
		},
		Database: DatabaseConfig{
			Backend:     "postgres",
			Host:        "localhost",
			Port:        5432,
			Database:    "mediapipe",
			User:        "mediapipe",
			Password:    "mediapipe",
			MaxConns:    50,
			MinConns:    10,
			MaxIdleTime: 30 * time.Minute,
			MaxLifetime: 1 * time.Hour,
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    6379,
		},
		Storage: StorageConfig{
			ArtifactRoot:    filepath.Join(dataDir, "media"),
			ThumbnailRoot:   filepath.Join(dataDir, "thumbnails"),
			TempDir:         filepath.Join(dataDir, "tmp"),
			PublicBaseURL:   "/files",
			DigestAlgorithm: "sha256",
		},
		Transcode: TranscodeConfig{
			FFmpegPath:         "ffmpeg",
			FFprobePath:        "ffprobe",
			ImageMaxWidth:      2048,
			ImageMaxHeight:     2048,
			ImageQuality:       85,
			ThumbnailWidth:     320,
			ThumbnailHeight:    320,
			ThumbnailQuality:   80,
			VideoMaxWidth:      1920,
			VideoMaxHeight:     1080,
			VideoCodec:         "libx264",
			VideoPreset:        "medium",
			VideoCRF:           23,
			VideoStripMetadata: true,
			VideoThumbnails:    3,
			AudioCodec:         "aac",
			AudioBitrate:       "192k",
			AudioNormalize:     false,
		},
		Tasks: TaskConfig{
			Store:         "memory",
			Timeout:       5 * time.Minute,
			Capacity:      10000,
			TTL:           1 * time.Hour,
			SweepInterval: 30 * time.Second,
			Notify:        false,
		},
		Queue: QueueConfig{
			Type:        "memory",
			Topic:       "media.uploads",
			BufferSize:  1000,
			PollTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
		},
		Maintenance: MaintenanceConfig{
			Enabled:           true,
			Interval:          10 * time.Minute,
			ReapGrace:         24 * time.Hour,
			ReapBatch:         100,
			TempMaxAge:        1 * time.Hour,
			ReconcileInterval: 1 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			LightPerMinute:    60,
			StandardPerMinute: 20,
			HeavyPerMinute:    5,
			RequestsPerMinute: 300,
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   false,
			PprofPort:     6060,
			EnableMetrics: true,
			MetricsPort:   9090,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Port = getEnvInt("PORT", c.Service.Port)
	c.Service.Environment = getEnv("ENVIRONMENT", c.Service.Environment)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	c.Service.LogFormat = getEnv("LOG_FORMAT", c.Service.LogFormat)
	c.Service.MaxUploadBytes = getEnvBytes("MAX_UPLOAD_SIZE", c.Service.MaxUploadBytes)

	c.Database.Backend = getEnv("DB_BACKEND", c.Database.Backend)
	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.Database = getEnv("POSTGRES_DB", c.Database.Database)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.MaxConns = getEnvInt("POSTGRES_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("POSTGRES_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxIdleTime = getEnvDuration("POSTGRES_MAX_IDLE_TIME", c.Database.MaxIdleTime)
	c.Database.MaxLifetime = getEnvDuration("POSTGRES_MAX_LIFETIME", c.Database.MaxLifetime)
	c.Database.AutoMigrate = getEnvBool("POSTGRES_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Storage.ArtifactRoot = getEnv("STORAGE_ARTIFACT_ROOT", c.Storage.ArtifactRoot)
	c.Storage.ThumbnailRoot = getEnv("STORAGE_THUMBNAIL_ROOT", c.Storage.ThumbnailRoot)
	c.Storage.TempDir = getEnv("STORAGE_TEMP_DIR", c.Storage.TempDir)
	c.Storage.PublicBaseURL = getEnv("STORAGE_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)
	c.Storage.DigestAlgorithm = getEnv("DIGEST_ALGORITHM", c.Storage.DigestAlgorithm)

	c.Transcode.FFmpegPath = getEnv("FFMPEG_PATH", c.Transcode.FFmpegPath)
	c.Transcode.FFprobePath = getEnv("FFPROBE_PATH", c.Transcode.FFprobePath)
	c.Transcode.ImageMaxWidth = getEnvInt("IMAGE_MAX_WIDTH", c.Transcode.ImageMaxWidth)
	c.Transcode.ImageMaxHeight = getEnvInt("IMAGE_MAX_HEIGHT", c.Transcode.ImageMaxHeight)
	c.Transcode.ImageQuality = getEnvInt("IMAGE_QUALITY", c.Transcode.ImageQuality)
	c.Transcode.ThumbnailWidth = getEnvInt("THUMBNAIL_WIDTH", c.Transcode.ThumbnailWidth)
	c.Transcode.ThumbnailHeight = getEnvInt("THUMBNAIL_HEIGHT", c.Transcode.ThumbnailHeight)
	c.Transcode.ThumbnailQuality = getEnvInt("THUMBNAIL_QUALITY", c.Transcode.ThumbnailQuality)
	c.Transcode.VideoMaxWidth = getEnvInt("VIDEO_MAX_WIDTH", c.Transcode.VideoMaxWidth)
	c.Transcode.VideoMaxHeight = getEnvInt("VIDEO_MAX_HEIGHT", c.Transcode.VideoMaxHeight)
	c.Transcode.VideoCodec = getEnv("VIDEO_CODEC", c.Transcode.VideoCodec)
	c.Transcode.VideoPreset = getEnv("VIDEO_PRESET", c.Transcode.VideoPreset)
	c.Transcode.VideoCRF = getEnvInt("VIDEO_CRF", c.Transcode.VideoCRF)
	c.Transcode.VideoStripMetadata = getEnvBool("VIDEO_STRIP_METADATA", c.Transcode.VideoStripMetadata)
	c.Transcode.VideoThumbnails = getEnvInt("VIDEO_THUMBNAILS", c.Transcode.VideoThumbnails)
	c.Transcode.AudioCodec = getEnv("AUDIO_CODEC", c.Transcode.AudioCodec)
	c.Transcode.AudioBitrate = getEnv("AUDIO_BITRATE", c.Transcode.AudioBitrate)
	c.Transcode.AudioNormalize = getEnvBool("AUDIO_NORMALIZE", c.Transcode.AudioNormalize)

	c.Tasks.Store = getEnv("TASK_STORE", c.Tasks.Store)
	c.Tasks.Timeout = getEnvDuration("TASK_TIMEOUT", c.Tasks.Timeout)
	c.Tasks.Capacity = getEnvInt("TASK_CAPACITY", c.Tasks.Capacity)
	c.Tasks.TTL = getEnvDuration("TASK_TTL", c.Tasks.TTL)
	c.Tasks.SweepInterval = getEnvDuration("TASK_SWEEP_INTERVAL", c.Tasks.SweepInterval)
	c.Tasks.Notify = getEnvBool("TASK_NOTIFY", c.Tasks.Notify)

	c.Queue.Type = getEnv("QUEUE_TYPE", c.Queue.Type)
	c.Queue.Topic = getEnv("QUEUE_TOPIC", c.Queue.Topic)
	c.Queue.BufferSize = getEnvInt("QUEUE_BUFFER_SIZE", c.Queue.BufferSize)
	c.Queue.PollTimeout = getEnvDuration("QUEUE_POLL_TIMEOUT", c.Queue.PollTimeout)

	c.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency)

	c.Maintenance.Enabled = getEnvBool("MAINTENANCE_ENABLED", c.Maintenance.Enabled)
	c.Maintenance.Interval = getEnvDuration("MAINTENANCE_INTERVAL", c.Maintenance.Interval)
	c.Maintenance.ReapGrace = getEnvDuration("REAP_GRACE", c.Maintenance.ReapGrace)
	c.Maintenance.ReapBatch = getEnvInt("REAP_BATCH", c.Maintenance.ReapBatch)
	c.Maintenance.TempMaxAge = getEnvDuration("TEMP_MAX_AGE", c.Maintenance.TempMaxAge)
	c.Maintenance.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", c.Maintenance.ReconcileInterval)

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.LightPerMinute = int64(getEnvInt("RATE_LIMIT_LIGHT", int(c.RateLimit.LightPerMinute)))
	c.RateLimit.StandardPerMinute = int64(getEnvInt("RATE_LIMIT_STANDARD", int(c.RateLimit.StandardPerMinute)))
	c.RateLimit.HeavyPerMinute = int64(getEnvInt("RATE_LIMIT_HEAVY", int(c.RateLimit.HeavyPerMinute)))
	c.RateLimit.RequestsPerMinute = int64(getEnvInt("RATE_LIMIT_REQUESTS", int(c.RateLimit.RequestsPerMinute)))

	c.Telemetry.EnablePprof = getEnvBool("ENABLE_PPROF", c.Telemetry.EnablePprof)
	c.Telemetry.PprofPort = getEnvInt("PPROF_PORT", c.Telemetry.PprofPort)
	c.Telemetry.EnableMetrics = getEnvBool("ENABLE_METRICS", c.Telemetry.EnableMetrics)
	c.Telemetry.MetricsPort = getEnvInt("METRICS_PORT", c.Telemetry.MetricsPort)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database backend: %s", c.Database.Backend)
	}

	if c.Storage.ArtifactRoot == "" || c.Storage.ThumbnailRoot == "" || c.Storage.TempDir == "" {
		return fmt.Errorf("storage artifact_root, thumbnail_root and temp_dir are required")
	}
	if c.Storage.ArtifactRoot == c.Storage.ThumbnailRoot {
		return fmt.Errorf("artifact_root and thumbnail_root must differ")
	}

	switch c.Storage.DigestAlgorithm {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("unsupported digest algorithm: %s", c.Storage.DigestAlgorithm)
	}

	if c.Transcode.ImageMaxWidth <= 0 || c.Transcode.ImageMaxHeight <= 0 {
		return fmt.Errorf("image bounds must be positive")
	}
	if c.Transcode.VideoMaxWidth <= 0 || c.Transcode.VideoMaxHeight <= 0 {
		return fmt.Errorf("video bounds must be positive")
	}
	if c.Transcode.ImageQuality < 1 || c.Transcode.ImageQuality > 100 {
		return fmt.Errorf("image quality must be within 1..100, got %d", c.Transcode.ImageQuality)
	}
	if c.Transcode.VideoCRF < 0 || c.Transcode.VideoCRF > 51 {
		return fmt.Errorf("video crf must be within 0..51, got %d", c.Transcode.VideoCRF)
	}

	switch c.Tasks.Store {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis task store requires redis to be enabled")
		}
	default:
		return fmt.Errorf("unknown task store: %s", c.Tasks.Store)
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("task timeout must be positive")
	}
	if c.Tasks.Capacity <= 0 {
		return fmt.Errorf("task capacity must be positive")
	}
	if c.Tasks.TTL < c.Tasks.Timeout {
		return fmt.Errorf("task ttl (%s) must be >= task timeout (%s)", c.Tasks.TTL, c.Tasks.Timeout)
	}

	switch c.Queue.Type {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis queue requires redis to be enabled")
		}
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}

	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("rate limiting requires redis to be enabled")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBytes(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := ParseBytes(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// ParseBytes parses a byte size string like "512MB", "1.5GB" or "1024".
// Units are binary (KB = 1024 bytes) and case-insensitive.
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative size not allowed: %v", value)
	}

	return int64(value * float64(multiplier)), nil
}
