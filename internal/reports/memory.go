package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/query"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	reports    map[uuid.UUID]Report
	bySubject  map[string][]uuid.UUID
	pagination pagination.Config
}

func NewMemoryStore(cfg pagination.Config) *MemoryStore {
	return &MemoryStore{
		reports:    make(map[uuid.UUID]Report),
		bySubject:  make(map[string][]uuid.UUID),
		pagination: cfg,
	}
}

func (m *MemoryStore) Save(ctx context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[r.ID]; ok {
		return ErrDuplicate
	}
	m.reports[r.ID] = r
	m.bySubject[r.SubjectID] = append(m.bySubject[r.SubjectID], r.ID)
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, id uuid.UUID) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) Latest(ctx context.Context, subjectID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySubject[subjectID]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	r := m.reports[ids[len(ids)-1]]
	return &r, nil
}

var reportOrder = map[string]func(a, b Report) int{
	"CreatedAt": func(a, b Report) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"SubjectID": func(a, b Report) int { return strings.Compare(a.SubjectID, b.SubjectID) },
	"Digest":    func(a, b Report) int { return strings.Compare(a.Digest, b.Digest) },
}

// ListBySubject returns the subject's reports newest first unless
// page.Sort names other fields.
func (m *MemoryStore) ListBySubject(
	ctx context.Context,
	subjectID string,
	page pagination.PageRequest,
) (*pagination.PageResult[Report], error) {
	page.Normalize(m.pagination)

	m.mu.RLock()
	ids := slices.Clone(m.bySubject[subjectID])
	all := make([]Report, 0, len(ids))
	for _, id := range slices.Backward(ids) {
		all = append(all, m.reports[id])
	}
	m.mu.RUnlock()

	if fields := projection.Sortable(page.Sort); len(fields) > 0 {
		slices.SortStableFunc(all, query.SortFunc(fields, reportOrder))
	}

	start := min(page.Offset(), len(all))
	end := min(start+page.PageSize, len(all))

	result := pagination.NewPageResult(all[start:end], len(all), page.Page, page.PageSize)
	return &result, nil
}

func (m *MemoryStore) Archive(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	r, err := m.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len returns the number of stored reports.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reports)
}
