package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/fetch"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	queue := simplemedia.DefaultQueueConfig()
	return ServerConfig{
		Port:         "8080",
		Environment:  "development",
		LogLevel:     "info",
		LogFormat:    "text",
		DatabaseType: "memory",
		AutoMigrate:  true,
		Storage: StorageConfig{
			Type: "memory",
		},
		KeyLayout:           "git-like",
		DefaultVariant:      simplemedia.VariantCompressed,
		Queue:               queue,
		FetchEnabled:        true,
		FetchMaxBytes:       20 << 20,
		FetchTimeout:        30 * time.Second,
		CacheSize:           1024,
		CacheTTL:            30 * time.Second,
		ProblemScanInterval: 0,
		ProblemScanLimit:    100,
		RecoverOnStart:      true,
		EnableEventLogging:  true,
		ShutdownTimeout:     30 * time.Second,
	}
}

// ServerConfig represents server configuration for the simple-media service
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing
	LogLevel    string // debug, info, warn, error
	LogFormat   string // text, json

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	AutoMigrate  bool

	Storage StorageConfig

	// Processing
	KeyLayout      string // git-like, tenant-aware, flat
	DefaultVariant string
	Queue          simplemedia.QueueConfig

	// URL ingestion
	FetchEnabled  bool
	FetchMaxBytes int64
	FetchTimeout  time.Duration

	// Record cache; CacheSize 0 disables it
	CacheSize int
	CacheTTL  time.Duration

	// Problem scan; interval 0 disables the periodic loop
	ProblemScanInterval time.Duration
	ProblemScanLimit    int

	RecoverOnStart     bool
	EnableEventLogging bool
	ShutdownTimeout    time.Duration
}

// StorageConfig selects and configures the blob store
type StorageConfig struct {
	Type string // "memory", "fs", "s3"

	BaseDir string

	Bucket                 string
	Region                 string
	Endpoint               string
	AccessKeyID            string
	SecretAccessKey        string
	UsePathStyle           bool
	CreateBucketIfNotExist bool
	EnableSSE              bool
	SSEAlgorithm           string
	SSEKMSKeyID            string
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.Storage.Type {
	case "memory":
	case "fs":
		if c.Storage.BaseDir == "" {
			return errors.New("storage base_dir is required for fs storage")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if _, err := objectkey.New(c.KeyLayout); err != nil {
		return err
	}
	if _, err := simplemedia.ResolveTransformParams(&simplemedia.TransformParams{Variant: c.DefaultVariant}, simplemedia.DefaultTransformParams()); err != nil {
		return fmt.Errorf("default variant: %w", err)
	}

	if c.Queue.MaxConcurrency < 1 {
		return errors.New("queue max_concurrency must be at least 1")
	}
	if c.Queue.MaxPending < 1 {
		return errors.New("queue max_pending must be at least 1")
	}
	if c.Queue.WaitTimeout <= 0 || c.Queue.JobTimeout <= 0 {
		return errors.New("queue timeouts must be positive")
	}
	if c.FetchMaxBytes < 0 || c.FetchTimeout < 0 {
		return errors.New("fetch limits must not be negative")
	}
	if c.ProblemScanInterval < 0 {
		return errors.New("problem scan interval must not be negative")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat
func (c *ServerConfig) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// BuildService creates a Service from the server configuration. The returned
// cleanup releases the database pool and must run after Service.Shutdown.
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (*simplemedia.Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	cleanup := func() {}

	repo, closeRepo, err := c.buildRepository(ctx, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to build repository: %w", err)
	}
	cleanup = closeRepo

	store, err := c.buildStorageBackend(ctx)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Type, err)
	}

	keys, _ := objectkey.New(c.KeyLayout)
	defaultParams, _ := simplemedia.ResolveTransformParams(&simplemedia.TransformParams{Variant: c.DefaultVariant}, simplemedia.DefaultTransformParams())

	options := []simplemedia.Option{
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore(c.Storage.Type, store),
		simplemedia.WithTransformer(transform.New()),
		simplemedia.WithLogger(logger),
		simplemedia.WithQueueConfig(c.Queue),
		simplemedia.WithKeyGenerator(keys),
		simplemedia.WithDefaultTransform(defaultParams),
		simplemedia.WithRecordCache(c.CacheSize, c.CacheTTL),
	}
	if c.FetchEnabled {
		options = append(options,
			simplemedia.WithURLFetcher(fetch.New()),
			simplemedia.WithFetchLimits(simplemedia.FetchLimits{MaxBytes: c.FetchMaxBytes, MaxDuration: c.FetchTimeout}),
		)
	}
	if c.EnableEventLogging {
		options = append(options, simplemedia.WithEventSink(simplemedia.NewLogEventSink(logger)))
	} else {
		options = append(options, simplemedia.WithEventSink(simplemedia.NewNoopEventSink()))
	}

	svc, err := simplemedia.New(options...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return svc, cleanup, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, logger *slog.Logger) (simplemedia.Repository, func(), error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		if c.AutoMigrate {
			if err := repopg.Migrate(c.DatabaseURL, logger); err != nil {
				return nil, nil, err
			}
		}
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		return repopg.NewWithPool(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// buildStorageBackend creates a BlobStore based on the storage configuration
func (c *ServerConfig) buildStorageBackend(ctx context.Context) (simplemedia.BlobStore, error) {
	switch c.Storage.Type {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: c.Storage.BaseDir})
	case "s3":
		return s3storage.New(ctx, s3storage.Config{
			Region:                 c.Storage.Region,
			Bucket:                 c.Storage.Bucket,
			AccessKeyID:            c.Storage.AccessKeyID,
			SecretAccessKey:        c.Storage.SecretAccessKey,
			Endpoint:               c.Storage.Endpoint,
			UsePathStyle:           c.Storage.UsePathStyle,
			EnableSSE:              c.Storage.EnableSSE,
			SSEAlgorithm:           c.Storage.SSEAlgorithm,
			SSEKMSKeyID:            c.Storage.SSEKMSKeyID,
			CreateBucketIfNotExist: c.Storage.CreateBucketIfNotExist,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}
