package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DedupOutcome is the result of a checksum lookup. Exactly one field is set.
type DedupOutcome struct {
	// Existing is the live record already holding the checksum.
	Existing *FileRecord
	// Claimed is the new record this caller inserted and now owns.
	Claimed *FileRecord
}

// Deduplicator resolves a content checksum to a single live record. The
// repository's checksum uniqueness makes the claim atomic: when two callers
// race with identical bytes exactly one insert succeeds and the other observes
// the winner's record.
type Deduplicator struct {
	repo     Repository
	attempts int
	wait     time.Duration
}

// NewDeduplicator creates a deduplicator over repo.
func NewDeduplicator(repo Repository) *Deduplicator {
	return &Deduplicator{repo: repo, attempts: 5, wait: 20 * time.Millisecond}
}

// FindOrClaim returns the live record holding candidate.Checksum or inserts
// candidate as the new holder.
func (d *Deduplicator) FindOrClaim(ctx context.Context, candidate *FileRecord) (*DedupOutcome, error) {
	existing, err := d.repo.FindByChecksum(ctx, candidate.Checksum)
	if err == nil {
		return &DedupOutcome{Existing: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find by checksum: %w", err)
	}

	err = d.repo.Insert(ctx, candidate)
	if err == nil {
		return &DedupOutcome{Claimed: candidate}, nil
	}
	if !errors.Is(err, ErrChecksumConflict) {
		return nil, fmt.Errorf("claim checksum: %w", err)
	}

	// Lost the race. The winner's row may not be visible yet.
	for i := 0; i < d.attempts; i++ {
		existing, err := d.repo.FindByChecksum(ctx, candidate.Checksum)
		if err == nil {
			return &DedupOutcome{Existing: existing}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("find by checksum: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.wait):
		}
	}
	return nil, fmt.Errorf("%w: checksum %s is claimed but its record is not readable", ErrConflict, candidate.Checksum)
}
