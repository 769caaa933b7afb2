package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tailored-agentic-units/trellico/core/protocol"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		folder_path TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'claude_code',
		display_name TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_folder ON sessions(folder_path);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		message_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

	CREATE TABLE IF NOT EXISTS ralph_iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder_path TEXT NOT NULL,
		prd_name TEXT NOT NULL,
		iteration_number INTEGER NOT NULL,
		session_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(folder_path, prd_name, iteration_number)
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS session_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder_path TEXT NOT NULL,
		session_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		link_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(folder_path, file_name, link_type)
	);
	`,
}

type sqliteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the database at path and applies pending
// schema migrations.
func OpenSQLite(path string) (Store, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db}
	if err := s.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initialize(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			i+1, time.Now().UTC().Format(timeLayout)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *sqliteStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) CreateSession(ctx context.Context, sess Session) error {
	if err := s.check(); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	provider := sess.Provider
	if provider == "" {
		provider = "claude_code"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, folder_path, provider, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			display_name = COALESCE(NULLIF(excluded.display_name, ''), sessions.display_name)`,
		sess.ID, sess.WorkDir, provider, sess.DisplayName,
		created.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *sqliteStore) SaveMessage(ctx context.Context, sessionID string, seq int, msg protocol.Message) error {
	if err := s.check(); err != nil {
		return err
	}
	if seq < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (session_id, sequence, message_type, message_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, string(msg.Type), string(data), now); err != nil {
		return fmt.Errorf("save message %s/%d: %w", sessionID, seq, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) SessionMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_json FROM messages WHERE session_id = ? ORDER BY sequence ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []protocol.Message{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		msg, err := protocol.Parse([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", sessionID, err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NextSequence(ctx context.Context, sessionID string) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var max int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = ?", sessionID).Scan(&max); err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", sessionID, err)
	}
	return max + 1, nil
}

func (s *sqliteStore) FolderSessions(ctx context.Context, workDir string) ([]Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder_path, provider, COALESCE(display_name, ''), created_at, updated_at
		FROM sessions WHERE folder_path = ?
		ORDER BY updated_at DESC, id ASC`, workDir)
	if err != nil {
		return nil, fmt.Errorf("list sessions %s: %w", workDir, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess             Session
			created, updated string
		)
		if err := rows.Scan(&sess.ID, &sess.WorkDir, &sess.Provider, &sess.DisplayName, &created, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveIteration(ctx context.Context, it Iteration) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateIteration(it); err != nil {
		return err
	}
	created := it.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ralph_iterations (folder_path, prd_name, iteration_number, session_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_path, prd_name, iteration_number) DO UPDATE SET status = excluded.status`,
		it.WorkDir, it.Task, it.Number, nullString(it.SessionID), string(it.Status), created.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save iteration %s/%d: %w", it.Key(), it.Number, err)
	}
	return nil
}

func (s *sqliteStore) updateIteration(ctx context.Context, key TaskKey, number int, column string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE ralph_iterations SET "+column+" = ? WHERE folder_path = ? AND prd_name = ? AND iteration_number = ?",
		value, key.WorkDir, key.Task, number)
	if err != nil {
		return fmt.Errorf("update iteration %s/%d: %w", key, number, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s iteration %d", ErrIterationNotFound, key, number)
	}
	return nil
}

func (s *sqliteStore) UpdateIterationStatus(ctx context.Context, key TaskKey, number int, status Status) error {
	if !status.Valid() {
		return ErrInvalidIteration
	}
	return s.updateIteration(ctx, key, number, "status", string(status))
}

func (s *sqliteStore) UpdateIterationSessionID(ctx context.Context, key TaskKey, number int, sessionID string) error {
	return s.updateIteration(ctx, key, number, "session_id", nullString(sessionID))
}

func (s *sqliteStore) Iterations(ctx context.Context, key TaskKey) ([]Iteration, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.iteration_number, COALESCE(r.session_id, ''), r.status, COALESCE(s.provider, ''), r.created_at
		FROM ralph_iterations r
		LEFT JOIN sessions s ON s.id = r.session_id
		WHERE r.folder_path = ? AND r.prd_name = ?
		ORDER BY r.iteration_number ASC`, key.WorkDir, key.Task)
	if err != nil {
		return nil, fmt.Errorf("list iterations %s: %w", key, err)
	}
	defer rows.Close()

	out := []Iteration{}
	for rows.Next() {
		it := Iteration{WorkDir: key.WorkDir, Task: key.Task}
		var status, created string
		if err := rows.Scan(&it.Number, &it.SessionID, &status, &it.Provider, &created); err != nil {
			return nil, err
		}
		it.Status = Status(status)
		it.CreatedAt = parseTime(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkRunningStopped(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE ralph_iterations SET status = ? WHERE status = ?",
		string(StatusStopped), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover running iterations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) DeleteTaskIterations(ctx context.Context, key TaskKey) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM ralph_iterations WHERE folder_path = ? AND prd_name = ?",
		key.WorkDir, key.Task); err != nil {
		return fmt.Errorf("delete iterations %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) SaveLink(ctx context.Context, l SessionLink) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateLink(l); err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_links (folder_path, session_id, file_name, link_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_path, file_name, link_type) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		l.WorkDir, l.SessionID, l.FileName, string(l.Type), now, now)
	if err != nil {
		return fmt.Errorf("save link %s %s: %w", l.Type, l.FileName, err)
	}
	return nil
}

func (s *sqliteStore) LinkByFile(ctx context.Context, workDir, fileName string, typ LinkType) (SessionLink, error) {
	if err := s.check(); err != nil {
		return SessionLink{}, err
	}

	l := SessionLink{WorkDir: workDir, FileName: fileName, Type: typ}
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT sl.session_id, COALESCE(s.provider, ''), sl.created_at, sl.updated_at
		FROM session_links sl
		LEFT JOIN sessions s ON s.id = sl.session_id
		WHERE sl.folder_path = ? AND sl.file_name = ? AND sl.link_type = ?`,
		workDir, fileName, string(typ)).Scan(&l.SessionID, &l.Provider, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionLink{}, fmt.Errorf("%w: %s %s", ErrLinkNotFound, typ, fileName)
	}
	if err != nil {
		return SessionLink{}, fmt.Errorf("load link %s %s: %w", typ, fileName, err)
	}
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	return l, nil
}

func (s *sqliteStore) RenameLink(ctx context.Context, workDir string, typ LinkType, oldName, newName string) error {
	if err := s.check(); err != nil {
		return err
	}
	if newName == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidLink)
	}
	if oldName == newName {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM session_links WHERE folder_path = ? AND file_name = ? AND link_type = ?)`,
		workDir, oldName, string(typ)).Scan(&exists); err != nil {
		return fmt.Errorf("rename link %s: %w", oldName, err)
	}
	if !exists {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM session_links WHERE folder_path = ? AND file_name = ? AND link_type = ?",
		workDir, newName, string(typ)); err != nil {
		return fmt.Errorf("rename link %s: %w", oldName, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE session_links SET file_name = ?, updated_at = ?
		WHERE folder_path = ? AND file_name = ? AND link_type = ?`,
		newName, time.Now().UTC().Format(timeLayout), workDir, oldName, string(typ)); err != nil {
		return fmt.Errorf("rename link %s: %w", oldName, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
