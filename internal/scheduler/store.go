package scheduler

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/query"
)

// Store persists source cursors and the job history.
type Store interface {
	// Cursor returns the last persisted cursor, or the zero cursor for a
	// source that has never synced.
	Cursor(ctx context.Context, source string) (sources.Cursor, error)
	// Finish records a job and, unless it failed, the cursor it reached.
	Finish(ctx context.Context, job Job) error
	ListJobs(ctx context.Context, source string, page pagination.PageRequest) (*pagination.PageResult[Job], error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	cursors    map[string]sources.Cursor
	jobs       []Job
	pagination pagination.Config
}

func NewMemoryStore(cfg pagination.Config) *MemoryStore {
	return &MemoryStore{
		cursors:    make(map[string]sources.Cursor),
		pagination: cfg,
	}
}

func (m *MemoryStore) Cursor(ctx context.Context, source string) (sources.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[source], nil
}

func (m *MemoryStore) Finish(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Outcome != Failed && job.CursorAfter.After(m.cursors[job.Source]) {
		m.cursors[job.Source] = job.CursorAfter
	}
	job.Failures = slices.Clone(job.Failures)
	m.jobs = append(m.jobs, job)
	return nil
}

var jobOrder = map[string]func(a, b Job) int{
	"ID":        func(a, b Job) int { return strings.Compare(a.ID.String(), b.ID.String()) },
	"Source":    func(a, b Job) int { return strings.Compare(a.Source, b.Source) },
	"StartedAt": func(a, b Job) int { return a.StartedAt.Compare(b.StartedAt) },
	"EndedAt":   func(a, b Job) int { return a.EndedAt.Compare(b.EndedAt) },
	"Outcome":   func(a, b Job) int { return strings.Compare(string(a.Outcome), string(b.Outcome)) },
	"Merged":    func(a, b Job) int { return cmp.Compare(a.Merged, b.Merged) },
	"Skipped":   func(a, b Job) int { return cmp.Compare(a.Skipped, b.Skipped) },
	"Failed":    func(a, b Job) int { return cmp.Compare(a.Failed, b.Failed) },
	"Attempts":  func(a, b Job) int { return cmp.Compare(a.Attempts, b.Attempts) },
}

// ListJobs returns jobs newest first unless page.Sort names other fields.
// An empty source lists every source.
func (m *MemoryStore) ListJobs(
	ctx context.Context,
	source string,
	page pagination.PageRequest,
) (*pagination.PageResult[Job], error) {
	page.Normalize(m.pagination)

	m.mu.RLock()
	var all []Job
	for _, j := range slices.Backward(m.jobs) {
		if source == "" || j.Source == source {
			all = append(all, j)
		}
	}
	m.mu.RUnlock()

	if fields := jobProjection.Sortable(page.Sort); len(fields) > 0 {
		slices.SortStableFunc(all, query.SortFunc(fields, jobOrder))
	}

	start := min(page.Offset(), len(all))
	end := min(start+page.PageSize, len(all))

	result := pagination.NewPageResult(all[start:end], len(all), page.Page, page.PageSize)
	return &result, nil
}
