package simplemedia_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
)

func candidate(checksum string) *simplemedia.FileRecord {
	now := time.Now().UTC()
	return &simplemedia.FileRecord{
		ID:                 uuid.New(),
		Checksum:           checksum,
		Status:             simplemedia.FileStatusUploading,
		OptimizationStatus: simplemedia.OptimizationStatusPending,
		StatusChangedAt:    now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestDeduplicator_FindOrClaim(t *testing.T) {
	ctx := context.Background()
	repo := memoryrepo.New()
	d := simplemedia.NewDeduplicator(repo)
	sum := simplemedia.ChecksumBytes([]byte("dedup"))

	_, err := repo.FindByChecksum(ctx, sum)
	assert.ErrorIs(t, err, simplemedia.ErrNotFound)

	first, err := d.FindOrClaim(ctx, candidate(sum))
	require.NoError(t, err)
	require.NotNil(t, first.Claimed)
	assert.Nil(t, first.Existing)

	second, err := d.FindOrClaim(ctx, candidate(sum))
	require.NoError(t, err)
	assert.Nil(t, second.Claimed)
	require.NotNil(t, second.Existing)
	assert.Equal(t, first.Claimed.ID, second.Existing.ID)
}

func TestDeduplicator_Race(t *testing.T) {
	ctx := context.Background()
	d := simplemedia.NewDeduplicator(memoryrepo.New())
	sum := simplemedia.ChecksumBytes([]byte("race"))

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		ids     = map[uuid.UUID]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.FindOrClaim(ctx, candidate(sum))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Claimed != nil {
				claimed++
				ids[out.Claimed.ID] = true
			} else {
				ids[out.Existing.ID] = true
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
	assert.Len(t, ids, 1)
}
