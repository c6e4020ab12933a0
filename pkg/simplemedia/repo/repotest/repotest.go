// Package repotest holds behaviour tests shared by every
// simplemedia.Repository implementation.
package repotest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// NewRecord returns a valid uploading record with a random checksum.
func NewRecord(scope simplemedia.Scope) *simplemedia.FileRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &simplemedia.FileRecord{
		ID:                 uuid.New(),
		AppID:              scope.AppID,
		UserID:             scope.UserID,
		Purpose:            scope.Purpose,
		FileName:           "photo.jpg",
		MimeType:           "image/jpeg",
		Size:               1024,
		OriginalSize:       1024,
		Checksum:           simplemedia.ChecksumBytes([]byte(uuid.NewString())),
		Status:             simplemedia.FileStatusUploading,
		OptimizationStatus: simplemedia.OptimizationStatusPending,
		Metadata:           map[string]interface{}{"source": "test"},
		StatusChangedAt:    now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Run exercises repo against the Repository contract. newRepo must return an
// empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) simplemedia.Repository) {
	ctx := context.Background()

	t.Run("InsertAndFind", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(simplemedia.Scope{AppID: "app", UserID: "u1", Purpose: "avatar"})
		require.NoError(t, repo.Insert(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		got, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Checksum, got.Checksum)
		assert.Equal(t, "app", got.AppID)
		assert.Equal(t, simplemedia.FileStatusUploading, got.Status)
		assert.Equal(t, "test", got.Metadata["source"])

		byChecksum, err := repo.FindByChecksum(ctx, rec.Checksum)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, byChecksum.ID)
	})

	t.Run("FindMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, simplemedia.ErrNotFound)
		_, err = repo.FindByChecksum(ctx, "nope")
		assert.ErrorIs(t, err, simplemedia.ErrNotFound)
	})

	t.Run("ChecksumUniqueAmongLive", func(t *testing.T) {
		repo := newRepo(t)
		first := NewRecord(simplemedia.Scope{})
		require.NoError(t, repo.Insert(ctx, first))

		dup := NewRecord(simplemedia.Scope{})
		dup.Checksum = first.Checksum
		assert.ErrorIs(t, repo.Insert(ctx, dup), simplemedia.ErrChecksumConflict)

		// Once the holder is deleted the checksum can be claimed again.
		first.Status = simplemedia.FileStatusDeleted
		require.NoError(t, repo.Update(ctx, first, 1))
		require.NoError(t, repo.Insert(ctx, dup))

		got, err := repo.FindByChecksum(ctx, first.Checksum)
		require.NoError(t, err)
		assert.Equal(t, dup.ID, got.ID)
	})

	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) {
		repo := newRepo(t)
		checksum := simplemedia.ChecksumBytes([]byte("same bytes"))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := NewRecord(simplemedia.Scope{})
				rec.Checksum = checksum
				if err := repo.Insert(ctx, rec); err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, simplemedia.ErrChecksumConflict)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("UpdateIsConditionedOnVersion", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(simplemedia.Scope{})
		require.NoError(t, repo.Insert(ctx, rec))

		a, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		b, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)

		a.Status = simplemedia.FileStatusReady
		a.StorageKey = "originals/a"
		require.NoError(t, repo.Update(ctx, a, 1))
		assert.Equal(t, int64(2), a.Version)

		b.Status = simplemedia.FileStatusFailed
		assert.ErrorIs(t, repo.Update(ctx, b, 1), simplemedia.ErrVersionConflict)

		got, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, simplemedia.FileStatusReady, got.Status)
		assert.Equal(t, "originals/a", got.StorageKey)
		assert.Equal(t, int64(2), got.Version)

		missing := NewRecord(simplemedia.Scope{})
		assert.ErrorIs(t, repo.Update(ctx, missing, 1), simplemedia.ErrNotFound)
	})

	t.Run("QueryFiltersSortsPages", func(t *testing.T) {
		repo := newRepo(t)
		base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			rec := NewRecord(simplemedia.Scope{AppID: "app", UserID: "u1"})
			rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			rec.StatusChangedAt = rec.CreatedAt
			rec.Size = int64(100 * (5 - i))
			require.NoError(t, repo.Insert(ctx, rec))
			ids = append(ids, rec.ID)
		}
		other := NewRecord(simplemedia.Scope{AppID: "other"})
		require.NoError(t, repo.Insert(ctx, other))

		app := "app"
		page, err := repo.Query(ctx, simplemedia.FileFilter{
			AppID:     &app,
			SortBy:    simplemedia.SortByCreatedAt,
			SortOrder: "asc",
			Limit:     2,
			Offset:    1,
		})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[1], page[0].ID)
		assert.Equal(t, ids[2], page[1].ID)

		bySize, err := repo.Query(ctx, simplemedia.FileFilter{AppID: &app, SortBy: simplemedia.SortBySize, SortOrder: "asc"})
		require.NoError(t, err)
		require.Len(t, bySize, 5)
		assert.Equal(t, ids[4], bySize[0].ID)

		n, err := repo.Count(ctx, simplemedia.FileFilter{AppID: &app})
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		cutoff := base.Add(2*time.Minute + time.Second)
		older, err := repo.Query(ctx, simplemedia.FileFilter{
			AppID:               &app,
			StatusChangedBefore: &cutoff,
			SortBy:              simplemedia.SortByStatusChangedAt,
			SortOrder:           "desc",
		})
		require.NoError(t, err)
		require.Len(t, older, 3)
		assert.Equal(t, ids[2], older[0].ID)
	})

	t.Run("QueryExcludesDeletedByDefault", func(t *testing.T) {
		repo := newRepo(t)
		live := NewRecord(simplemedia.Scope{Purpose: "p"})
		gone := NewRecord(simplemedia.Scope{Purpose: "p"})
		require.NoError(t, repo.Insert(ctx, live))
		require.NoError(t, repo.Insert(ctx, gone))
		gone.Status = simplemedia.FileStatusDeleted
		require.NoError(t, repo.Update(ctx, gone, 1))

		purpose := "p"
		recs, err := repo.Query(ctx, simplemedia.FileFilter{Purpose: &purpose})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, live.ID, recs[0].ID)

		all, err := repo.Query(ctx, simplemedia.FileFilter{Purpose: &purpose, IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		deleted, err := repo.Count(ctx, simplemedia.FileFilter{Purpose: &purpose, Statuses: []simplemedia.FileStatus{simplemedia.FileStatusDeleted}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("QueryByOptimizationStatus", func(t *testing.T) {
		repo := newRepo(t)
		pending := NewRecord(simplemedia.Scope{})
		done := NewRecord(simplemedia.Scope{})
		done.OptimizationStatus = simplemedia.OptimizationStatusDone
		done.OptimizationParams = &simplemedia.TransformParams{Variant: "compressed", Quality: 75}
		require.NoError(t, repo.Insert(ctx, pending))
		require.NoError(t, repo.Insert(ctx, done))

		recs, err := repo.Query(ctx, simplemedia.FileFilter{
			OptimizationStatuses: []simplemedia.OptimizationStatus{simplemedia.OptimizationStatusDone},
		})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, done.ID, recs[0].ID)
		require.NotNil(t, recs[0].OptimizationParams)
		assert.Equal(t, 75, recs[0].OptimizationParams.Quality)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(simplemedia.Scope{})
		require.NoError(t, repo.Insert(ctx, rec))

		got, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		got.Status = simplemedia.FileStatusReady
		got.Metadata["source"] = "mutated"

		again, err := repo.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, simplemedia.FileStatusUploading, again.Status)
		assert.Equal(t, "test", again.Metadata["source"])
	})
}
