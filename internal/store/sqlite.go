package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite implements Store on a single research_sessions table.
// Concurrency is handled by database-level locking.
type SQLite struct {
	db *sql.DB
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS research_sessions (
    id TEXT PRIMARY KEY,
    principal TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL DEFAULT 'initial',
    context_state TEXT NOT NULL DEFAULT '',
    messages TEXT NOT NULL DEFAULT '',
    final_document TEXT NOT NULL DEFAULT '',
    source_registry TEXT NOT NULL DEFAULT '',
    total_sources INTEGER NOT NULL DEFAULT 0,
    duration_seconds REAL NOT NULL DEFAULT 0,
    academic_mode BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_research_sessions_principal
ON research_sessions(principal, updated_at)`

// OpenSQLite opens (creating if needed) the session database at path and
// ensures the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("session store opened")
	return s, nil
}

func (s *SQLite) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	for _, stmt := range []string{createSessionsSchemaSQL, createSessionsIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load fetches one session by id.
func (s *SQLite) Load(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT id, principal, title, phase, context_state, messages,
              final_document, source_registry, total_sources, duration_seconds,
              academic_mode, created_at, updated_at
              FROM research_sessions WHERE id = ?`

	var (
		sess         Session
		contextState string
		messagesJSON string
		registryJSON string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Principal, &sess.Title, &sess.Phase,
		&contextState, &messagesJSON,
		&sess.FinalDocument, &registryJSON,
		&sess.TotalSources, &sess.DurationSeconds,
		&sess.AcademicMode, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if contextState != "" {
		sess.ContextState = json.RawMessage(contextState)
	}
	if messagesJSON != "" {
		if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	if registryJSON != "" {
		if err := json.Unmarshal([]byte(registryJSON), &sess.SourceRegistry); err != nil {
			return nil, fmt.Errorf("unmarshal source registry: %w", err)
		}
	}
	return &sess, nil
}

// Save upserts the session, stamping timestamps and assigning an id when
// missing. The caller's session is updated in place so it reflects what
// was written.
func (s *SQLite) Save(ctx context.Context, sess *Session) error {
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

	messagesJSON := ""
	if len(sess.Messages) > 0 {
		b, err := json.Marshal(sess.Messages)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		messagesJSON = string(b)
	}
	registryJSON := ""
	if len(sess.SourceRegistry) > 0 {
		b, err := json.Marshal(sess.SourceRegistry)
		if err != nil {
			return fmt.Errorf("marshal source registry: %w", err)
		}
		registryJSON = string(b)
	}

	const query = `INSERT INTO research_sessions
              (id, principal, title, phase, context_state, messages,
               final_document, source_registry, total_sources,
               duration_seconds, academic_mode, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT (id) DO UPDATE SET
                title = excluded.title,
                phase = excluded.phase,
                context_state = excluded.context_state,
                messages = excluded.messages,
                final_document = excluded.final_document,
                source_registry = excluded.source_registry,
                total_sources = excluded.total_sources,
                duration_seconds = excluded.duration_seconds,
                academic_mode = excluded.academic_mode,
                updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Principal, sess.Title, sess.Phase,
		string(sess.ContextState), messagesJSON,
		sess.FinalDocument, registryJSON,
		sess.TotalSources, sess.DurationSeconds,
		sess.AcademicMode, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the principal's sessions, most recently updated first.
func (s *SQLite) List(ctx context.Context, principal string) ([]Summary, error) {
	const query = `SELECT id, title, phase, academic_mode, total_sources,
              created_at, updated_at
              FROM research_sessions WHERE principal = ?
              ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, principal)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Phase, &sum.AcademicMode,
			&sum.TotalSources, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ Store = (*SQLite)(nil)
