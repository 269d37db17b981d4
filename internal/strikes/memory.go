package strikes

import (
	"context"
	"sync"
	"time"

	"github.com/JaimeStill/safeguard/internal/risk"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		now:    time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, subjectID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[subjectID]; ok {
		return s, nil
	}
	return State{SubjectID: subjectID, Level: risk.Clear}, nil
}

func (m *MemoryStore) Advance(ctx context.Context, subjectID string, level risk.Level) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[subjectID]
	if !ok {
		s = State{SubjectID: subjectID}
	}
	if level > s.Level {
		s.Level = level
		s.UpdatedAt = m.now()
	}
	m.states[subjectID] = s
	return s, nil
}

func (m *MemoryStore) Reset(ctx context.Context, subjectID string, cmd ResetCommand) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := State{
		SubjectID: subjectID,
		Level:     risk.Clear,
		UpdatedAt: now,
		ResetBy:   &cmd.ResetBy,
		ResetAt:   &now,
	}
	if cmd.ApprovedBy != "" {
		s.ApprovedBy = &cmd.ApprovedBy
	}
	m.states[subjectID] = s
	return s, nil
}
