package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Repository implements simplemedia.Repository using in-memory storage
type Repository struct {
	mu         sync.RWMutex
	files      map[uuid.UUID]*simplemedia.FileRecord
	byChecksum map[string]uuid.UUID // checksum -> live (non-deleted) file id
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		files:      make(map[uuid.UUID]*simplemedia.FileRecord),
		byChecksum: make(map[string]uuid.UUID),
	}
}

func (r *Repository) Insert(ctx context.Context, rec *simplemedia.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[rec.ID]; exists {
		return fmt.Errorf("file %s already exists", rec.ID)
	}
	if rec.Status != simplemedia.FileStatusDeleted {
		if _, held := r.byChecksum[rec.Checksum]; held {
			return simplemedia.ErrChecksumConflict
		}
		r.byChecksum[rec.Checksum] = rec.ID
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	r.files[rec.ID] = rec.Clone()
	return nil
}

func (r *Repository) Update(ctx context.Context, rec *simplemedia.FileRecord, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.files[rec.ID]
	if !exists {
		return simplemedia.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return simplemedia.ErrVersionConflict
	}

	live := rec.Status != simplemedia.FileStatusDeleted
	if live {
		if holder, held := r.byChecksum[rec.Checksum]; held && holder != rec.ID {
			return simplemedia.ErrChecksumConflict
		}
	}
	if stored.Checksum != rec.Checksum || !live {
		if r.byChecksum[stored.Checksum] == rec.ID {
			delete(r.byChecksum, stored.Checksum)
		}
	}
	if live {
		r.byChecksum[rec.Checksum] = rec.ID
	}

	rec.Version = expectedVersion + 1
	r.files[rec.ID] = rec.Clone()
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*simplemedia.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.files[id]
	if !exists {
		return nil, simplemedia.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) FindByChecksum(ctx context.Context, checksum string) (*simplemedia.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, held := r.byChecksum[checksum]
	if !held {
		return nil, simplemedia.ErrNotFound
	}
	return r.files[id].Clone(), nil
}

func (r *Repository) Query(ctx context.Context, filter simplemedia.FileFilter) ([]*simplemedia.FileRecord, error) {
	r.mu.RLock()
	matched := r.match(filter)
	r.mu.RUnlock()

	sortRecords(matched, filter.SortBy, filter.SortOrder)

	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(matched) {
		return []*simplemedia.FileRecord{}, nil
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], nil
}

func (r *Repository) Count(ctx context.Context, filter simplemedia.FileFilter) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.match(filter))), nil
}

// match returns clones of every record passing filter. Callers hold r.mu.
func (r *Repository) match(filter simplemedia.FileFilter) []*simplemedia.FileRecord {
	out := make([]*simplemedia.FileRecord, 0)
	for _, rec := range r.files {
		if matches(rec, filter) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func matches(rec *simplemedia.FileRecord, f simplemedia.FileFilter) bool {
	if f.AppID != nil && rec.AppID != *f.AppID {
		return false
	}
	if f.UserID != nil && rec.UserID != *f.UserID {
		return false
	}
	if f.Purpose != nil && rec.Purpose != *f.Purpose {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if !f.IncludeDeleted && rec.Status == simplemedia.FileStatusDeleted {
		return false
	}
	if len(f.OptimizationStatuses) > 0 {
		found := false
		for _, s := range f.OptimizationStatuses {
			if rec.OptimizationStatus == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && !rec.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.StatusChangedBefore != nil && !rec.StatusChangedAt.Before(*f.StatusChangedBefore) {
		return false
	}
	return true
}

func sortRecords(recs []*simplemedia.FileRecord, sortBy, order string) {
	desc := strings.EqualFold(order, "desc")
	less := func(a, b *simplemedia.FileRecord) int {
		switch sortBy {
		case simplemedia.SortByUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case simplemedia.SortByStatusChangedAt:
			return a.StatusChangedAt.Compare(b.StatusChangedAt)
		case simplemedia.SortBySize:
			return compareInt64(a.Size, b.Size)
		case simplemedia.SortByFileName:
			return strings.Compare(a.FileName, b.FileName)
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		c := less(recs[i], recs[j])
		if c == 0 {
			// Stable across calls: map iteration order is random.
			c = strings.Compare(recs[i].ID.String(), recs[j].ID.String())
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
