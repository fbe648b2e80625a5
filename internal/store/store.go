// Package store persists research sessions. A session row carries the
// serialized pipeline state verbatim so that unknown fields written by
// other builds survive a load/save cycle, plus the denormalized columns
// the session list and the final report need.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Session phases, in lifecycle order.
const (
	PhaseInitial     = "initial"
	PhaseClarifying  = "clarifying"
	PhasePlanning    = "planning"
	PhaseResearching = "researching"
	PhaseDone        = "done"
)

// ErrNotFound reports that no session exists under the requested id.
var ErrNotFound = errors.New("session not found")

var errNilSession = errors.New("session is nil")

// Message is one entry in a session's chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// Session is a persisted research session. ContextState holds the
// pipeline state snapshot exactly as serialized; the store never parses
// it beyond validity.
type Session struct {
	ID              string          `json:"id"`
	Principal       string          `json:"-"`
	Title           string          `json:"title"`
	Phase           string          `json:"phase"`
	ContextState    json.RawMessage `json:"context_state,omitempty"`
	Messages        []Message       `json:"messages"`
	FinalDocument   string          `json:"final_document,omitempty"`
	SourceRegistry  map[int]string  `json:"source_registry,omitempty"`
	TotalSources    int             `json:"total_sources"`
	DurationSeconds float64         `json:"duration_seconds"`
	AcademicMode    bool            `json:"academic_mode"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Summary is one row in a session listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Phase        string    `json:"phase"`
	AcademicMode bool      `json:"academic_mode"`
	TotalSources int       `json:"total_sources"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the persistence contract. Save is an upsert: it assigns an id
// when the session has none, stamps CreatedAt on first save, and bumps
// UpdatedAt on every save. List returns only the given principal's
// sessions, most recently updated first.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, principal string) ([]Summary, error)
	Close() error
}
