package config

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseType)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, simplemedia.DefaultQueueConfig(), cfg.Queue)
	assert.Equal(t, "git-like", cfg.KeyLayout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"postgres without url", []Option{func(c *ServerConfig) error { c.DatabaseType = "postgres"; return nil }}, "database_url"},
		{"fs without dir", []Option{func(c *ServerConfig) error { c.Storage = StorageConfig{Type: "fs"}; return nil }}, "base_dir"},
		{"unknown storage", []Option{func(c *ServerConfig) error { c.Storage.Type = "gcs"; return nil }}, "unsupported storage"},
		{"unknown key layout", []Option{WithKeyLayout("nested")}, "nested"},
		{"unknown variant", []Option{func(c *ServerConfig) error { c.DefaultVariant = "poster"; return nil }}, "default variant"},
		{"zero workers", []Option{WithQueue(simplemedia.QueueConfig{MaxPending: 1, WaitTimeout: time.Second, JobTimeout: time.Second})}, "max_concurrency"},
		{"bad log level", []Option{WithLogging("loud", "text")}, "log level"},
		{"bad log format", []Option{WithLogging("info", "xml")}, "log format"},
		{"scan interval must be positive", []Option{WithProblemScan(0, 10)}, "interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptions(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(
		WithPort("9090"),
		WithEnvironment("testing"),
		WithFilesystemStorage(dir),
		WithKeyLayout("tenant-aware"),
		WithProblemScan(time.Minute, 25),
		WithFetch(0, 0),
		WithRecordCache(0, 0),
	)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "testing", cfg.Environment)
	assert.Equal(t, StorageConfig{Type: "fs", BaseDir: dir}, cfg.Storage)
	assert.Equal(t, time.Minute, cfg.ProblemScanInterval)
	assert.Equal(t, 25, cfg.ProblemScanLimit)
	assert.False(t, cfg.FetchEnabled)
}

func TestBuildService_Memory(t *testing.T) {
	cfg, err := Load(WithFilesystemStorage(t.TempDir()), WithKeyLayout("flat"))
	require.NoError(t, err)

	ctx := context.Background()
	svc, cleanup, err := cfg.BuildService(ctx, cfg.NewLogger())
	require.NoError(t, err)
	defer cleanup()
	defer func() {
		_, _ = svc.Shutdown(ctx)
	}()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{
		Data:     []byte("plain text body"),
		FileName: "notes.txt",
		Scope:    simplemedia.Scope{AppID: "app"},
	})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusReady, res.File.Status)
	assert.Equal(t, simplemedia.OptimizationStatusSkipped, res.File.OptimizationStatus)
	assert.Contains(t, res.File.StorageKey, res.File.ID.String())

	rc, rec, err := svc.Open(ctx, res.File.ID)
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "plain text body", buf.String())
	assert.Equal(t, res.File.ID, rec.ID)

	_, err = svc.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}
