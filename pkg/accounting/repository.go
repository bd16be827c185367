package accounting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository stores collected records. Records are insert-only.
type Repository interface {
	Exists(ctx context.Context, sessionUniqueID string) (bool, error)
	// Insert stores rec unless its unique id is already present, in which
	// case it returns false without error.
	Insert(ctx context.Context, rec Record) (bool, error)
	KnownIDsSince(ctx context.Context, since time.Time) ([]string, error)
	ListSince(ctx context.Context, since time.Time) ([]Record, error)
	Count(ctx context.Context) (int64, error)
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (r *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok, nil
}

func (r *MemoryRepository) Insert(_ context.Context, rec Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.SessionUniqueID]; ok {
		return false, nil
	}
	r.records[rec.SessionUniqueID] = rec
	return true, nil
}

func (r *MemoryRepository) KnownIDsSince(ctx context.Context, since time.Time) ([]string, error) {
	recs, _ := r.ListSince(ctx, since)
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.SessionUniqueID)
	}
	return ids, nil
}

// ListSince returns records started at or after since, oldest first.
func (r *MemoryRepository) ListSince(_ context.Context, since time.Time) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.StartTime != nil && !rec.StartTime.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(*out[j].StartTime)
	})
	return out, nil
}

func (r *MemoryRepository) Count(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.records)), nil
}
