package observations

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]Subject
	records  map[string]Record
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]Subject),
		records:  make(map[string]Record),
		now:      time.Now,
	}
}

// PutSubject registers a subject.
func (m *MemoryStore) PutSubject(s Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[s.ID] = s
}

// Append adds a manual record. It does not overwrite an existing key.
func (m *MemoryStore) Append(rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	if rec.NativeID == "" {
		rec.NativeID = rec.ID.String()
	}
	if rec.SourceUpdatedAt.IsZero() {
		rec.SourceUpdatedAt = rec.OccurredAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}

	if existing, ok := m.records[rec.Key()]; ok {
		return existing
	}
	m.records[rec.Key()] = rec
	return rec
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Lookup returns the record stored under (source, nativeID).
func (m *MemoryStore) Lookup(source, nativeID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[source+"\x00"+nativeID]
	return rec, ok
}

func (m *MemoryStore) Subject(ctx context.Context, id string) (*Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subjects[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	s.Accommodations = slices.Clone(s.Accommodations)
	return &s, nil
}

func (m *MemoryStore) Records(ctx context.Context, subjectID string, from, to time.Time) ([]Record, error) {
	return m.filter(func(r Record) bool {
		return r.SubjectID == subjectID && inRange(r.OccurredAt, from, to)
	}), nil
}

func (m *MemoryStore) GroupRecords(ctx context.Context, groupID, excludeSubjectID string, from, to time.Time) ([]Record, error) {
	if groupID == "" {
		return []Record{}, nil
	}

	m.mu.RLock()
	members := make(map[string]bool)
	for _, s := range m.subjects {
		if s.GroupID == groupID && s.ID != excludeSubjectID {
			members[s.ID] = true
		}
	}
	m.mu.RUnlock()

	return m.filter(func(r Record) bool {
		return members[r.SubjectID] && inRange(r.OccurredAt, from, to)
	}), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec Record) (MergeResult, error) {
	if err := Validate(rec); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subjects[rec.SubjectID]; !ok {
		return "", ErrSubjectNotFound
	}

	existing, ok := m.records[rec.Key()]
	if !ok {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CreatedAt = m.now()
		m.records[rec.Key()] = rec
		return Inserted, nil
	}

	if !existing.SourceUpdatedAt.Before(rec.SourceUpdatedAt) {
		return Stale, nil
	}

	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	m.records[rec.Key()] = rec
	return Updated, nil
}

func (m *MemoryStore) filter(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, Compare)
	return out
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
