package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// history holds the rows of one dataset in insertion order.
type history struct {
	records []Record
}

// MemoryIndex is a concurrency-safe in-memory index, used when no database
// is configured and in tests.
type MemoryIndex struct {
	mu sync.RWMutex

	// key: dataset, value: rows
	data   map[string]*history
	nextID uint64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		data: make(map[string]*history),
	}
}

func (m *MemoryIndex) EnsureTable(_ context.Context, dataset string) error {
	if err := ValidateDataset(dataset); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[dataset]; !ok {
		m.data[dataset] = &history{}
	}
	return nil
}

func (m *MemoryIndex) Insert(ctx context.Context, dataset string, rec *Record) error {
	if err := m.EnsureTable(ctx, dataset); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	rec.Date = rec.Date.UTC()
	h := m.data[dataset]
	h.records = append(h.records, *rec)
	return nil
}

func (m *MemoryIndex) QueryBefore(_ context.Context, dataset string, t time.Time, limit int) ([]Record, error) {
	if err := ValidateDataset(dataset); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.data[dataset]
	if !ok {
		return nil, nil
	}

	var result []Record
	for _, r := range h.records {
		if !r.Date.After(t) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return newer(result[i], result[j]) })
	if limit >= 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryIndex) QueryLatestBefore(ctx context.Context, dataset string, t time.Time) (Record, error) {
	recs, err := m.QueryBefore(ctx, dataset, t, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s before %s", ErrNotFound, dataset, t.Format(time.RFC3339))
	}
	return recs[0], nil
}

func (m *MemoryIndex) DeleteByLocator(_ context.Context, dataset, locator string) error {
	if err := ValidateDataset(dataset); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.data[dataset]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, locator, dataset)
	}
	kept := h.records[:0]
	removed := 0
	for _, r := range h.records {
		if r.Locator == locator {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	h.records = kept
	if removed == 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, locator, dataset)
	}
	return nil
}
