package simplemedia_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presets"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

// flakyStore fails uploads or deletes on demand.
type flakyStore struct {
	*memorystorage.Backend
	failUpload atomic.Bool
	failDelete atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Backend: memorystorage.New()}
}

func (s *flakyStore) Upload(ctx context.Context, r io.Reader, p simplemedia.UploadParams) (*simplemedia.ObjectLocation, error) {
	if s.failUpload.Load() {
		return nil, errors.New("bucket unavailable")
	}
	return s.Backend.Upload(ctx, r, p)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.failDelete.Load() {
		return errors.New("access denied")
	}
	return s.Backend.Delete(ctx, key)
}

// stubTransformer accepts every image/* type and runs fn.
type stubTransformer struct {
	fn func(ctx context.Context, src []byte) (*simplemedia.TransformResult, error)
}

func (s *stubTransformer) Supports(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

func (s *stubTransformer) Transform(ctx context.Context, src []byte, mimeType string, p simplemedia.TransformParams) (*simplemedia.TransformResult, error) {
	return s.fn(ctx, src)
}

// blockingTransformer holds every job until released or cancelled.
func blockingTransformer(started chan<- struct{}, release <-chan struct{}) *stubTransformer {
	return &stubTransformer{fn: func(ctx context.Context, src []byte) (*simplemedia.TransformResult, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return &simplemedia.TransformResult{Data: src[:len(src)/2], MimeType: "image/png"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []simplemedia.Transition
}

func (s *recordingSink) Transitioned(ctx context.Context, t simplemedia.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *recordingSink) all() []simplemedia.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]simplemedia.Transition(nil), s.transitions...)
}

func pngBytes(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func waitOptimization(t *testing.T, svc *simplemedia.Service, rec *simplemedia.FileRecord, want simplemedia.OptimizationStatus) *simplemedia.FileRecord {
	t.Helper()
	var latest *simplemedia.FileRecord
	require.Eventually(t, func() bool {
		got, err := svc.GetByID(context.Background(), rec.ID)
		if err != nil {
			return false
		}
		latest = got
		return got.OptimizationStatus == want
	}, 5*time.Second, 10*time.Millisecond, "optimization never reached %s", want)
	return latest
}

func TestIngest_OptimizesImage(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()
	original := pngBytes(t, 400, 200, 40)

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{
		Data:      original,
		FileName:  "banner.png",
		Scope:     simplemedia.Scope{AppID: "site", Purpose: "banner"},
		Transform: &simplemedia.TransformParams{MaxWidth: 100},
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Empty(t, res.EnqueueError)
	assert.Equal(t, simplemedia.FileStatusReady, res.File.Status)
	assert.Equal(t, "image/png", res.File.MimeType)
	assert.Equal(t, int64(len(original)), res.File.OriginalSize)
	assert.Equal(t, simplemedia.ChecksumBytes(original), res.File.Checksum)
	assert.NotEmpty(t, res.File.StorageKey)
	require.NotNil(t, res.File.UploadedAt)

	done := waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusDone)
	assert.Equal(t, int64(len(original)), done.OriginalSize)
	assert.NotEqual(t, done.OriginalSize, done.Size)
	assert.Equal(t, res.File.StorageKey, done.StorageKey)
	assert.NotEmpty(t, done.OptimizedKey)
	assert.NotEqual(t, done.StorageKey, done.OptimizedKey)
	require.NotNil(t, done.OptimizationParams)
	assert.Equal(t, 100, done.OptimizationParams.MaxWidth)
	assert.Empty(t, done.LastError)
	assert.Len(t, store.Keys(), 2)

	body, rec, err := svc.Open(ctx, done.ID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, rec.Size, int64(len(data)))
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestIngest_Deduplicates(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()

	first, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("same bytes"), FileName: "a.txt"})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, simplemedia.OptimizationStatusSkipped, first.File.OptimizationStatus)
	assert.True(t, strings.HasPrefix(first.File.MimeType, "text/plain"))

	meta, err := store.GetObjectMeta(ctx, first.File.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, first.File.Checksum, meta.Checksum)

	second, err := svc.Ingest(ctx, simplemedia.IngestRequest{
		Data:     []byte("same bytes"),
		FileName: "b.txt",
		Scope:    simplemedia.Scope{UserID: "someone-else"},
	})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.File.ID, second.File.ID)
	assert.Equal(t, "a.txt", second.File.FileName)
	assert.Len(t, store.Keys(), 1)
}

func TestIngest_ConcurrentIdenticalBytes(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	data := []byte("racing upload")

	const n = 12
	var wg sync.WaitGroup
	results := make([]*simplemedia.IngestResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Ingest(context.Background(), simplemedia.IngestRequest{Data: data, FileName: "race.txt"})
		}(i)
	}
	wg.Wait()

	stored := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].File.ID, results[i].File.ID)
		if !results[i].Deduplicated {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Len(t, store.Keys(), 1)

	page, err := svc.List(context.Background(), simplemedia.FileFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestIngest_Validation(t *testing.T) {
	svc := presets.NewTesting(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  simplemedia.IngestRequest
	}{
		{"empty data", simplemedia.IngestRequest{FileName: "x.txt"}},
		{"unknown variant", simplemedia.IngestRequest{Data: []byte("x"), Transform: &simplemedia.TransformParams{Variant: "poster"}}},
		{"bad quality", simplemedia.IngestRequest{Data: []byte("x"), Transform: &simplemedia.TransformParams{Quality: 400}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tt.req)
			assert.Equal(t, simplemedia.KindValidation, simplemedia.KindOf(err))
		})
	}
}

func TestIngest_UploadFailure(t *testing.T) {
	store := newFlakyStore()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("flaky", store)))
	ctx := context.Background()
	data := []byte("unlucky bytes")

	store.failUpload.Store(true)
	_, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: data, FileName: "u.txt"})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindStorage, simplemedia.KindOf(err))

	page, err := svc.List(ctx, simplemedia.FileFilter{Statuses: []simplemedia.FileStatus{simplemedia.FileStatusFailed}})
	require.NoError(t, err)
	require.Len(t, page.Files, 1)
	failed := page.Files[0]
	assert.Equal(t, simplemedia.OptimizationStatusSkipped, failed.OptimizationStatus)
	assert.Contains(t, failed.LastError, "bucket unavailable")

	// the failed claim never stored anything, so a retry replaces it
	store.failUpload.Store(false)
	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: data, FileName: "u.txt"})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.NotEqual(t, failed.ID, res.File.ID)
	assert.Equal(t, simplemedia.FileStatusReady, res.File.Status)

	_, err = svc.GetByID(ctx, failed.ID)
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
}

func TestOptimization_JobTimeout(t *testing.T) {
	svc := presets.NewTesting(t,
		presets.WithTestQueue(simplemedia.QueueConfig{MaxConcurrency: 1, MaxPending: 4, WaitTimeout: time.Second, JobTimeout: 50 * time.Millisecond}),
		presets.WithServiceOptions(simplemedia.WithTransformer(blockingTransformer(nil, nil))),
	)
	ctx := context.Background()
	original := pngBytes(t, 8, 8, 1)

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: original, FileName: "slow.png"})
	require.NoError(t, err)

	failed := waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusFailed)
	assert.Equal(t, simplemedia.FileStatusReady, failed.Status)
	assert.Contains(t, failed.LastError, "timeout")
	assert.Equal(t, failed.OriginalSize, failed.Size)

	// the original stays readable
	body, _, err := svc.Open(ctx, res.File.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestOptimization_TransformErrorIsReported(t *testing.T) {
	broken := &stubTransformer{fn: func(ctx context.Context, src []byte) (*simplemedia.TransformResult, error) {
		return nil, &simplemedia.ProcessingError{Op: "decode", Err: errors.New("corrupt header")}
	}}
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithTransformer(broken)))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: pngBytes(t, 4, 4, 2), FileName: "bad.png"})
	require.NoError(t, err)
	failed := waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusFailed)
	assert.Contains(t, failed.LastError, "corrupt header")

	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, res.File.ID, reports[0].FileID)
	require.Len(t, reports[0].Problems, 1)
	assert.Equal(t, simplemedia.ProblemOptimizationFailed, reports[0].Problems[0].Code)
}

func TestReoptimize(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: pngBytes(t, 300, 300, 9), FileName: "square.png"})
	require.NoError(t, err)
	first := waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusDone)

	pending, err := svc.Reoptimize(ctx, res.File.ID, &simplemedia.TransformParams{Variant: simplemedia.VariantThumbnail128})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.OptimizationStatusPending, pending.OptimizationStatus)

	second := waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusDone)
	require.NotNil(t, second.OptimizationParams)
	assert.Equal(t, simplemedia.VariantThumbnail128, second.OptimizationParams.Variant)
	assert.NotEqual(t, first.OptimizedKey, second.OptimizedKey)
	assert.Equal(t, first.StorageKey, second.StorageKey)

	// the superseded rendition is removed
	require.Eventually(t, func() bool { return len(store.Keys()) == 2 }, time.Second, 10*time.Millisecond)
	exists, err := store.Exists(ctx, first.OptimizedKey)
	require.NoError(t, err)
	assert.False(t, exists)

	t.Run("rejects unsupported media", func(t *testing.T) {
		text, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("words"), FileName: "w.txt"})
		require.NoError(t, err)
		_, err = svc.Reoptimize(ctx, text.File.ID, nil)
		assert.ErrorIs(t, err, simplemedia.ErrUnsupportedMedia)
	})

	t.Run("rejects bad params", func(t *testing.T) {
		_, err := svc.Reoptimize(ctx, res.File.ID, &simplemedia.TransformParams{Format: "bmp"})
		assert.Equal(t, simplemedia.KindValidation, simplemedia.KindOf(err))
	})
}

func TestReoptimize_DuplicateJob(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithTransformer(blockingTransformer(started, release))))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: pngBytes(t, 16, 16, 3), FileName: "busy.png"})
	require.NoError(t, err)
	<-started

	_, err = svc.Reoptimize(ctx, res.File.ID, nil)
	assert.ErrorIs(t, err, simplemedia.ErrDuplicateJob)
	assert.Equal(t, simplemedia.KindDuplicateJob, simplemedia.KindOf(err))

	close(release)
	waitOptimization(t, svc, res.File, simplemedia.OptimizationStatusDone)
}

func TestDelete(t *testing.T) {
	store := memorystorage.New()
	sink := &recordingSink{}
	svc := presets.NewTesting(t, presets.WithServiceOptions(
		simplemedia.WithBlobStore("memory", store),
		simplemedia.WithEventSink(sink),
	))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("short lived"), FileName: "tmp.txt"})
	require.NoError(t, err)
	require.Len(t, store.Keys(), 1)

	require.NoError(t, svc.Delete(ctx, res.File.ID))
	assert.Empty(t, store.Keys())

	_, err = svc.GetByID(ctx, res.File.ID)
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, res.File.ID), simplemedia.ErrNotFound)

	page, err := svc.List(ctx, simplemedia.FileFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, page.Files, 1)
	assert.Equal(t, simplemedia.FileStatusDeleted, page.Files[0].Status)
	assert.NotNil(t, page.Files[0].DeletedAt)

	var statuses []string
	for _, tr := range sink.all() {
		if tr.Axis == simplemedia.AxisStatus {
			statuses = append(statuses, tr.From+"->"+tr.To)
		}
	}
	assert.Equal(t, []string{"uploading->ready", "ready->deleting", "deleting->deleted"}, statuses)
}

func TestDelete_StorageFailure(t *testing.T) {
	store := newFlakyStore()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("flaky", store)))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("sticky"), FileName: "s.txt"})
	require.NoError(t, err)

	store.failDelete.Store(true)
	err = svc.Delete(ctx, res.File.ID)
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindStorage, simplemedia.KindOf(err))

	rec, err := svc.GetByID(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "access denied")

	// a failed record can be deleted once storage recovers
	store.failDelete.Store(false)
	require.NoError(t, svc.Delete(ctx, res.File.ID))
	assert.Empty(t, store.Keys())
}

func TestBulkDelete(t *testing.T) {
	repo := memoryrepo.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithRepository(repo)))
	ctx := context.Background()

	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		res, err := svc.Ingest(ctx, simplemedia.IngestRequest{
			Data:  []byte(body),
			Scope: simplemedia.Scope{AppID: "gallery", UserID: "u1"},
		})
		require.NoError(t, err)
		ids = append(ids, res.File.ID.String())
	}
	other, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("other"), Scope: simplemedia.Scope{AppID: "gallery", UserID: "u2"}})
	require.NoError(t, err)

	_, err = svc.BulkDelete(ctx, simplemedia.BulkDeleteRequest{DryRun: true})
	assert.Equal(t, simplemedia.KindValidation, simplemedia.KindOf(err))

	before := make(map[uuid.UUID]simplemedia.FileRecord)
	for _, id := range ids {
		rec, err := repo.FindByID(ctx, uuid.MustParse(id))
		require.NoError(t, err)
		before[rec.ID] = *rec
	}

	dry, err := svc.BulkDelete(ctx, simplemedia.BulkDeleteRequest{Scope: simplemedia.Scope{UserID: "u1"}, DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	require.Len(t, dry.Items, 3)
	assert.Zero(t, dry.Deleted)
	for i, item := range dry.Items {
		assert.Equal(t, ids[i], item.FileID.String(), "oldest first")
		assert.Equal(t, simplemedia.FileStatusReady, item.Status)

		// a dry run writes nothing
		after, err := repo.FindByID(ctx, item.FileID)
		require.NoError(t, err)
		prev := before[item.FileID]
		assert.Equal(t, prev.Status, after.Status)
		assert.Equal(t, prev.OptimizationStatus, after.OptimizationStatus)
		assert.Equal(t, prev.Version, after.Version)
		assert.True(t, prev.UpdatedAt.Equal(after.UpdatedAt))
		assert.True(t, prev.StatusChangedAt.Equal(after.StatusChangedAt))
	}

	limited, err := svc.BulkDelete(ctx, simplemedia.BulkDeleteRequest{Scope: simplemedia.Scope{UserID: "u1"}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, limited.Deleted)
	assert.Zero(t, limited.Failed)

	rest, err := svc.BulkDelete(ctx, simplemedia.BulkDeleteRequest{Scope: simplemedia.Scope{UserID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, rest.Deleted)

	got, err := svc.GetByID(ctx, other.File.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusReady, got.Status)
}

func TestScanProblems_MissingObject(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()
	data := []byte("vanishing bytes")

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: data, FileName: "v.txt"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, res.File.StorageKey))

	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, simplemedia.FileStatusMissing, reports[0].ObservedStatus)
	assert.Equal(t, simplemedia.ProblemStorageObjectMissing, reports[0].Problems[0].Code)

	rec, err := svc.GetByID(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusMissing, rec.Status)
	_, _, err = svc.Open(ctx, res.File.ID)
	assert.ErrorIs(t, err, simplemedia.ErrConflict)

	// still missing on the next pass, without another transition
	reports, err = svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, simplemedia.FileStatusMissing, reports[0].ObservedStatus)

	// re-ingesting the same bytes restores the object
	again, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: data, FileName: "v.txt"})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, res.File.ID, again.File.ID)
	assert.Equal(t, simplemedia.FileStatusReady, again.File.Status)
	assert.Empty(t, again.File.LastError)

	body, _, err := svc.Open(ctx, res.File.ID)
	require.NoError(t, err)
	body.Close()
}

func TestScanProblems_ObjectReappears(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()
	data := []byte("comes back")

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: data, FileName: "c.txt"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, res.File.StorageKey))
	_, err = svc.ScanProblems(ctx, 10)
	require.NoError(t, err)

	_, err = store.Upload(ctx, bytes.NewReader(data), simplemedia.UploadParams{ObjectKey: res.File.StorageKey, MimeType: res.File.MimeType})
	require.NoError(t, err)

	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reports)

	rec, err := svc.GetByID(ctx, res.File.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusReady, rec.Status)

	_, err = svc.ScanProblems(ctx, 0)
	assert.Equal(t, simplemedia.KindValidation, simplemedia.KindOf(err))
}

type stubFetcher struct {
	dl  *simplemedia.Download
	err error
}

func (f *stubFetcher) Download(ctx context.Context, rawURL string, maxBytes int64, maxDuration time.Duration) (*simplemedia.Download, error) {
	return f.dl, f.err
}

func TestIngestFromURL(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		svc := presets.NewTesting(t)
		_, err := svc.IngestFromURL(ctx, simplemedia.IngestURLRequest{URL: "https://example.com/x.png"})
		assert.ErrorIs(t, err, simplemedia.ErrNotConfigured)
	})

	t.Run("ingests body", func(t *testing.T) {
		fetcher := &stubFetcher{dl: &simplemedia.Download{Data: []byte("remote text"), MimeType: "text/plain", FileName: "remote.txt"}}
		svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithURLFetcher(fetcher)))

		res, err := svc.IngestFromURL(ctx, simplemedia.IngestURLRequest{
			URL:   "https://example.com/remote.txt",
			Scope: simplemedia.Scope{Purpose: "import"},
		})
		require.NoError(t, err)
		assert.Equal(t, "remote.txt", res.File.FileName)
		assert.Equal(t, "text/plain", res.File.MimeType)
		assert.Equal(t, "import", res.File.Purpose)

		renamed, err := svc.IngestFromURL(ctx, simplemedia.IngestURLRequest{URL: "https://example.com/remote.txt", FileName: "other.txt"})
		require.NoError(t, err)
		assert.True(t, renamed.Deduplicated)
	})

	t.Run("download failure stores nothing", func(t *testing.T) {
		fetcher := &stubFetcher{err: &simplemedia.DownloadError{URL: "https://example.com/huge", Err: simplemedia.ErrDownloadTooLarge}}
		svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithURLFetcher(fetcher)))

		_, err := svc.IngestFromURL(ctx, simplemedia.IngestURLRequest{URL: "https://example.com/huge"})
		assert.ErrorIs(t, err, simplemedia.ErrDownloadTooLarge)
		assert.Equal(t, simplemedia.KindDownload, simplemedia.KindOf(err))

		page, err := svc.List(ctx, simplemedia.FileFilter{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
	})

	t.Run("plain errors are wrapped", func(t *testing.T) {
		fetcher := &stubFetcher{err: errors.New("dns failure")}
		svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithURLFetcher(fetcher)))
		_, err := svc.IngestFromURL(ctx, simplemedia.IngestURLRequest{URL: "https://nowhere.invalid/"})
		var derr *simplemedia.DownloadError
		assert.ErrorAs(t, err, &derr)
	})
}

func TestShutdown_AbandonsQueuedJobs(t *testing.T) {
	started := make(chan struct{}, 4)
	svc := presets.NewTesting(t,
		presets.WithTestQueue(simplemedia.QueueConfig{MaxConcurrency: 1, MaxPending: 8, WaitTimeout: 10 * time.Second, JobTimeout: 10 * time.Second}),
		presets.WithServiceOptions(simplemedia.WithTransformer(blockingTransformer(started, nil))),
	)
	ctx := context.Background()

	var files []*simplemedia.FileRecord
	for i := 0; i < 3; i++ {
		res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: pngBytes(t, 8, 8, uint8(i)), FileName: "q.png"})
		require.NoError(t, err)
		files = append(files, res.File)
		if i == 0 {
			<-started
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	report, err := svc.Shutdown(shutdownCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, report.Abandoned)

	for i, f := range files {
		rec, err := svc.GetByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, simplemedia.OptimizationStatusFailed, rec.OptimizationStatus, "file %d", i)
		assert.Equal(t, simplemedia.FileStatusReady, rec.Status)
	}

	_, err = svc.Reoptimize(ctx, files[0].ID, nil)
	assert.ErrorIs(t, err, simplemedia.ErrQueueClosed)
}

func TestHealthSnapshot(t *testing.T) {
	svc := presets.NewTesting(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b"} {
		_, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte(body)})
		require.NoError(t, err)
	}
	snap, err := svc.HealthSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.StatusCounts[simplemedia.FileStatusReady])
	assert.Equal(t, int64(0), snap.StatusCounts[simplemedia.FileStatusMissing])
	assert.Equal(t, int64(2), snap.OptimizationCounts[simplemedia.OptimizationStatusSkipped])
	assert.Equal(t, 2, snap.Queue.Workers)
	assert.Zero(t, snap.Queue.QueueSize)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := simplemedia.New()
	assert.Error(t, err)

	_, err = simplemedia.New(simplemedia.WithBlobStore("memory", memorystorage.New()))
	assert.Error(t, err)
}
