package simplemedia_test

import (
	"bytes"
	"context"
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

var seedShade atomic.Int32

// seed inserts a ready record whose original object exists.
func seed(t *testing.T, repo *memoryrepo.Repository, store *memorystorage.Backend, mutate func(*simplemedia.FileRecord)) *simplemedia.FileRecord {
	t.Helper()
	ctx := context.Background()
	data := pngBytes(t, 12, 12, uint8(seedShade.Add(1)))
	id := uuid.New()
	key := "originals/" + id.String()
	_, err := store.Upload(ctx, bytes.NewReader(data), simplemedia.UploadParams{ObjectKey: key, MimeType: "image/png"})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	rec := &simplemedia.FileRecord{
		ID:                 id,
		FileName:           "seed.png",
		MimeType:           "image/png",
		Size:               int64(len(data)),
		OriginalSize:       int64(len(data)),
		Checksum:           simplemedia.ChecksumBytes(data),
		StorageKey:         key,
		Status:             simplemedia.FileStatusReady,
		OptimizationStatus: simplemedia.OptimizationStatusPending,
		StatusChangedAt:    past,
		CreatedAt:          past,
		UpdatedAt:          past,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, repo.Insert(ctx, rec))
	return rec
}

func TestScanProblems_StuckStates(t *testing.T) {
	repo := memoryrepo.New()
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore("memory", store),
	))
	ctx := context.Background()

	stuck := seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.OptimizationStatus = simplemedia.OptimizationStatusProcessing
	})
	deleting := seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.Status = simplemedia.FileStatusDeleting
		r.OptimizationStatus = simplemedia.OptimizationStatusSkipped
		r.StatusChangedAt = r.StatusChangedAt.Add(-time.Minute)
	})
	healthy := seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.OptimizationStatus = simplemedia.OptimizationStatusDone
	})

	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	// most recently changed first
	assert.Equal(t, stuck.ID, reports[0].FileID)
	assert.Equal(t, simplemedia.ProblemOptimizationStuck, reports[0].Problems[0].Code)
	assert.Equal(t, deleting.ID, reports[1].FileID)
	assert.Equal(t, simplemedia.ProblemDeleteIncomplete, reports[1].Problems[0].Code)
	for _, r := range reports {
		assert.NotEqual(t, healthy.ID, r.FileID)
	}

	limited, err := svc.ScanProblems(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// an orphaned processing record can be queued again
	rec, err := svc.Reoptimize(ctx, stuck.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.OptimizationStatusPending, rec.OptimizationStatus)
	waitOptimization(t, svc, stuck, simplemedia.OptimizationStatusDone)

	// an interrupted delete can be finished
	require.NoError(t, svc.Delete(ctx, deleting.ID))
	exists, err := store.Exists(ctx, deleting.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecoverPending(t *testing.T) {
	repo := memoryrepo.New()
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore("memory", store),
	))
	ctx := context.Background()

	pending := []*simplemedia.FileRecord{seed(t, repo, store, nil), seed(t, repo, store, nil)}
	seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.OptimizationStatus = simplemedia.OptimizationStatusSkipped
	})

	n, err := svc.RecoverPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, rec := range pending {
		waitOptimization(t, svc, rec, simplemedia.OptimizationStatusDone)
	}

	n, err = svc.RecoverPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartProblemScan(t *testing.T) {
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(simplemedia.WithBlobStore("memory", store)))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{Data: []byte("watched"), FileName: "w.txt"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, res.File.StorageKey))

	svc.StartProblemScan(ctx, 10*time.Millisecond, 10)
	require.Eventually(t, func() bool {
		rec, err := svc.GetByID(ctx, res.File.ID)
		return err == nil && rec.Status == simplemedia.FileStatusMissing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScanProblems_UploadIncomplete(t *testing.T) {
	repo := memoryrepo.New()
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore("memory", store),
	))
	ctx := context.Background()

	abandoned := seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.Status = simplemedia.FileStatusUploading
		r.StorageKey = ""
	})

	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, abandoned.ID, reports[0].FileID)
	assert.Equal(t, simplemedia.ProblemUploadIncomplete, reports[0].Problems[0].Code)
	assert.Equal(t, simplemedia.FileStatusFailed, reports[0].ObservedStatus)
	assert.Equal(t, simplemedia.OptimizationStatusSkipped, reports[0].ObservedOptimizationStatus)

	rec, err := svc.GetByID(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.FileStatusFailed, rec.Status)
	assert.Equal(t, "upload incomplete", rec.LastError)

	// a failed record no longer blocks deletion
	require.NoError(t, svc.Delete(ctx, abandoned.ID))
}

func TestScanProblems_ChecksumMismatch(t *testing.T) {
	repo := memoryrepo.New()
	store := memorystorage.New()
	svc := presets.NewTesting(t, presets.WithServiceOptions(
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore("memory", store),
	))
	ctx := context.Background()

	rec := seed(t, repo, store, func(r *simplemedia.FileRecord) {
		r.OptimizationStatus = simplemedia.OptimizationStatusSkipped
	})
	// a digest-less object is not compared
	reports, err := svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reports)

	other := []byte("overwritten out of band")
	_, err = store.Upload(ctx, bytes.NewReader(other), simplemedia.UploadParams{
		ObjectKey: rec.StorageKey,
		MimeType:  "image/png",
		Checksum:  simplemedia.ChecksumBytes(other),
	})
	require.NoError(t, err)

	reports, err = svc.ScanProblems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, simplemedia.ProblemChecksumMismatch, reports[0].Problems[0].Code)
	assert.Equal(t, simplemedia.FileStatusReady, reports[0].ObservedStatus)
	assert.Contains(t, reports[0].Problems[0].Message, rec.Checksum)
}
