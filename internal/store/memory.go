package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements Store in process memory. It backs tests and runs
// that do not need persistence across restarts.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*Session)}
}

func (m *Memory) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (m *Memory) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errNilSession
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sess.ID]; ok {
		sess.CreatedAt = existing.CreatedAt
	}
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) List(ctx context.Context, principal string) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Summary
	for _, sess := range m.sessions {
		if sess.Principal != principal {
			continue
		}
		out = append(out, Summary{
			ID:           sess.ID,
			Title:        sess.Title,
			Phase:        sess.Phase,
			AcademicMode: sess.AcademicMode,
			TotalSources: sess.TotalSources,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// cloneSession copies the session deeply enough that callers cannot
// mutate stored state through retained references.
func cloneSession(s *Session) *Session {
	out := *s
	if s.ContextState != nil {
		out.ContextState = append([]byte(nil), s.ContextState...)
	}
	if s.Messages != nil {
		out.Messages = append([]Message(nil), s.Messages...)
	}
	if s.SourceRegistry != nil {
		out.SourceRegistry = make(map[int]string, len(s.SourceRegistry))
		for k, v := range s.SourceRegistry {
			out.SourceRegistry[k] = v
		}
	}
	return &out
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)
