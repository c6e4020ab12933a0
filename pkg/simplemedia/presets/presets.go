// Package presets provides ready-made service assemblies for common use
// cases. Presets eliminate boilerplate while remaining customizable.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
	"github.com/tendant/simple-media/pkg/simplemedia/fetch"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
)

type devConfig struct {
	storageDir string
	logger     *slog.Logger
}

// DevelopmentOption customizes NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevStorageDir sets the filesystem storage directory (default ./dev-data)
func WithDevStorageDir(dir string) DevelopmentOption {
	return func(c *devConfig) { c.storageDir = dir }
}

// WithDevLogger sets the logger (default: debug-level text to stderr)
func WithDevLogger(logger *slog.Logger) DevelopmentOption {
	return func(c *devConfig) { c.logger = logger }
}

// NewDevelopment creates a service configured for local development.
//
// Features:
//   - In-memory database (instant startup, no setup required)
//   - Filesystem storage at ./dev-data/ (persistent across restarts)
//   - Image optimization and URL ingestion enabled
//   - Debug logging with audit events
//
// The cleanup function drains the queue and removes the storage directory.
//
// Example:
//
//	svc, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (*simplemedia.Service, func(), error) {
	cfg := &devConfig{storageDir: "./dev-data"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	fsBackend, err := fsstorage.New(fsstorage.Config{BaseDir: cfg.storageDir})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create filesystem storage: %w", err)
	}

	svc, err := simplemedia.New(
		simplemedia.WithRepository(memoryrepo.New()),
		simplemedia.WithBlobStore("fs", fsBackend),
		simplemedia.WithTransformer(transform.New()),
		simplemedia.WithURLFetcher(fetch.New()),
		simplemedia.WithLogger(cfg.logger),
		simplemedia.WithEventSink(simplemedia.NewLogEventSink(cfg.logger)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = svc.Shutdown(ctx)
		os.RemoveAll(cfg.storageDir)
	}
	return svc, cleanup, nil
}

type testConfig struct {
	queue   simplemedia.QueueConfig
	options []simplemedia.Option
}

// TestingOption customizes NewTesting
type TestingOption func(*testConfig)

// WithTestQueue replaces the short default queue timeouts
func WithTestQueue(q simplemedia.QueueConfig) TestingOption {
	return func(c *testConfig) { c.queue = q }
}

// WithServiceOptions appends service options after the preset's own, so they
// take precedence.
func WithServiceOptions(opts ...simplemedia.Option) TestingOption {
	return func(c *testConfig) { c.options = append(c.options, opts...) }
}

// NewTesting creates a service configured for unit and integration tests.
//
// Features:
//   - In-memory database and storage (isolated per test)
//   - No event logging (cleaner test output)
//   - Short queue timeouts
//   - Queue drained automatically via t.Cleanup()
func NewTesting(t testing.TB, opts ...TestingOption) *simplemedia.Service {
	t.Helper()
	cfg := &testConfig{
		queue: simplemedia.QueueConfig{
			MaxConcurrency: 2,
			MaxPending:     16,
			WaitTimeout:    2 * time.Second,
			JobTimeout:     5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	options := []simplemedia.Option{
		simplemedia.WithRepository(memoryrepo.New()),
		simplemedia.WithBlobStore("memory", memorystorage.New()),
		simplemedia.WithTransformer(transform.New()),
		simplemedia.WithEventSink(simplemedia.NewNoopEventSink()),
		simplemedia.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
		simplemedia.WithQueueConfig(cfg.queue),
		simplemedia.WithRetryPolicy(simplemedia.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	}
	options = append(options, cfg.options...)

	svc, err := simplemedia.New(options...)
	if err != nil {
		t.Fatalf("failed to create test service: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = svc.Shutdown(ctx)
	})
	return svc
}

// NewProduction creates a service from MEDIA_* environment variables (see
// config.WithEnv). The cleanup function closes the database pool and must run
// after the service has been shut down.
func NewProduction(ctx context.Context) (*simplemedia.Service, *config.ServerConfig, func(), error) {
	cfg, err := config.Load(config.WithEnvironment("production"), config.WithEnv())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	svc, cleanup, err := cfg.BuildService(ctx, cfg.NewLogger())
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, cfg, cleanup, nil
}
