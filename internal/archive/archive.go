// Package archive persists finished sessions to a SQLite sidecar. The
// engine holds everything live in memory; the archive is write-only
// history for the history CLI and survives restarts.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements session archival using modernc.org/sqlite (pure Go,
// no CGO).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access through Go's pool and avoids "database is
	// locked" errors when a close and an eviction land together.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordSession writes a closed session and its tasks as one history row.
// A session ID can appear more than once: closing and reusing a client
// token archives each incarnation separately.
func (s *Store) RecordSession(ctx context.Context, sess *models.Session, tasks []*models.Task) error {
	transcript, err := json.Marshal(sess.Turns)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	archiveID := models.NewID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, session_id, status, plans, rounds, transcript, created_at, closed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		archiveID, sess.ID, string(sess.Status), sess.PlanCount, sess.Rounds,
		string(transcript), sess.CreatedAt, sess.ClosedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}

	for _, t := range tasks {
		var ok any
		var output, reason any
		if t.Result != nil {
			ok = boolToInt(t.Result.OK)
			output = t.Result.Output
			reason = t.Result.Reason
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, archive_id, session_id, plan_id, seq, kind, payload, status, attempts, ok, output, reason, created_at, done_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, archiveID, t.SessionID, t.PlanID, t.Seq, string(t.Kind), t.Payload,
			string(t.Status), t.Attempts, ok, output, reason, t.CreatedAt, t.DoneAt,
		)
		if err != nil {
			return fmt.Errorf("archive task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// Entry is one archived session row.
type Entry struct {
	ArchiveID  string
	SessionID  string
	Status     string
	Plans      int
	Rounds     int
	Turns      []models.ConversationTurn
	Tasks      int
	CreatedAt  time.Time
	ClosedAt   *time.Time
	ArchivedAt time.Time
}

// ListSessions returns archived sessions, newest first. limit <= 0 means
// the default of 50.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.session_id, s.status, s.plans, s.rounds, s.transcript, s.created_at, s.closed_at, s.archived_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.archive_id = s.id)
		FROM sessions s ORDER BY s.archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSession returns the most recently archived incarnation of a session
// together with its tasks.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Entry, []*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.session_id, s.status, s.plans, s.rounds, s.transcript, s.created_at, s.closed_at, s.archived_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.archive_id = s.id)
		FROM sessions s WHERE s.session_id = ? ORDER BY s.archived_at DESC LIMIT 1`, sessionID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("session not found in archive: %s", sessionID)
	}
	if err != nil {
		return nil, nil, err
	}

	// ULID plan IDs sort chronologically, so plan_id then seq is
	// execution order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, plan_id, seq, kind, payload, status, attempts, ok, output, reason, created_at, done_at
		FROM tasks WHERE archive_id = ? ORDER BY plan_id, seq`, e.ArchiveID)
	if err != nil {
		return nil, nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t := &models.Task{}
		var kind, status string
		var ok sql.NullInt64
		var output, reason sql.NullString
		var doneAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.PlanID, &t.Seq, &kind, &t.Payload,
			&status, &t.Attempts, &ok, &output, &reason, &t.CreatedAt, &doneAt); err != nil {
			return nil, nil, fmt.Errorf("scan archived task: %w", err)
		}
		t.Kind = models.TaskKind(kind)
		t.Status = models.TaskStatus(status)
		if ok.Valid {
			t.Result = &models.Result{
				OK:     ok.Int64 == 1,
				Output: output.String,
				Reason: reason.String,
			}
		}
		if doneAt.Valid {
			d := doneAt.Time
			t.DoneAt = &d
		}
		tasks = append(tasks, t)
	}
	return e, tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var transcript string
	var closedAt sql.NullTime
	err := row.Scan(&e.ArchiveID, &e.SessionID, &e.Status, &e.Plans, &e.Rounds,
		&transcript, &e.CreatedAt, &closedAt, &e.ArchivedAt, &e.Tasks)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan archived session: %w", err)
	}
	if closedAt.Valid {
		c := closedAt.Time
		e.ClosedAt = &c
	}
	if err := json.Unmarshal([]byte(transcript), &e.Turns); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return e, nil
}
