// Package db persists catalog metadata, aliases and search segments in a
// local SQLite database.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"convlog/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	path        TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	size        INTEGER NOT NULL,
	mtime_ns    INTEGER NOT NULL,
	hash        INTEGER NOT NULL DEFAULT 0,
	first_at    INTEGER NOT NULL DEFAULT 0,
	last_at     INTEGER NOT NULL DEFAULT 0,
	meta        TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);

CREATE TABLE IF NOT EXISTS aliases (
	session_id  TEXT PRIMARY KEY,
	alias       TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aliases_alias ON aliases(alias);

CREATE TABLE IF NOT EXISTS segments (
	path        TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	size        INTEGER NOT NULL,
	mtime_ns    INTEGER NOT NULL,
	hash        INTEGER NOT NULL DEFAULT 0,
	payload     BLOB NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// Memory is the path that opens a private in-memory database.
const Memory = ":memory:"

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// DefaultPath returns the database location under cacheDir.
func DefaultPath(cacheDir string) string {
	return filepath.Join(cacheDir, "convlog.sqlite")
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	dsn := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: writes are serialised anyway, and an in-memory
	// database exists per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SessionRow is the persisted catalog entry for one session file.
type SessionRow struct {
	Path        string
	Project     string
	SessionID   string
	Fingerprint model.Fingerprint
	Meta        model.SessionMetadata
}

// PutSession inserts or replaces the row for row.Path.
func (d *DB) PutSession(ctx context.Context, row SessionRow) error {
	meta, err := json.Marshal(row.Meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", row.Path, err)
	}
	return d.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (path, project, session_id, size, mtime_ns, hash, first_at, last_at, meta, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				project = excluded.project,
				session_id = excluded.session_id,
				size = excluded.size,
				mtime_ns = excluded.mtime_ns,
				hash = excluded.hash,
				first_at = excluded.first_at,
				last_at = excluded.last_at,
				meta = excluded.meta,
				updated_at = excluded.updated_at
		`, row.Path, row.Project, row.SessionID,
			row.Fingerprint.Size, row.Fingerprint.ModTime, int64(row.Fingerprint.Hash),
			unixNano(row.Meta.FirstAt), unixNano(row.Meta.LastAt),
			string(meta), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", row.Path, err)
		}
		return nil
	})
}

// Sessions returns the rows of project, or of every project when project is
// empty.
func (d *DB) Sessions(ctx context.Context, project string) ([]SessionRow, error) {
	query := `SELECT path, project, session_id, size, mtime_ns, hash, meta FROM sessions`
	var args []any
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY last_at DESC, path ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var hash int64
		var meta string
		if err := rows.Scan(&row.Path, &row.Project, &row.SessionID,
			&row.Fingerprint.Size, &row.Fingerprint.ModTime, &hash, &meta); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		row.Fingerprint.Hash = uint64(hash)
		if err := json.Unmarshal([]byte(meta), &row.Meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", row.Path, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteSession removes the session row and its search segment.
func (d *DB) DeleteSession(ctx context.Context, path string) error {
	return d.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete session %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete segment %s: %w", path, err)
		}
		return nil
	})
}

// SetAlias assigns alias to sessionID, replacing its previous alias. Two
// sessions may share an alias; resolution reports that as ambiguous.
func (d *DB) SetAlias(ctx context.Context, sessionID, alias string) error {
	return d.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aliases (session_id, alias, created_at) VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET alias = excluded.alias, created_at = excluded.created_at
		`, sessionID, alias, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("set alias for %s: %w", sessionID, err)
		}
		return nil
	})
}

// RemoveAlias drops the alias of sessionID, if any.
func (d *DB) RemoveAlias(ctx context.Context, sessionID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM aliases WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("remove alias for %s: %w", sessionID, err)
	}
	return nil
}

// Aliases returns session id → alias.
func (d *DB) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT session_id, alias FROM aliases`)
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out[id] = alias
	}
	return out, rows.Err()
}

// SaveSegment stores an encoded search segment for path.
func (d *DB) SaveSegment(ctx context.Context, path, project string, fp model.Fingerprint, payload []byte) error {
	return d.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (path, project, size, mtime_ns, hash, payload, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				project = excluded.project,
				size = excluded.size,
				mtime_ns = excluded.mtime_ns,
				hash = excluded.hash,
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`, path, project, fp.Size, fp.ModTime, int64(fp.Hash), payload, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("save segment %s: %w", path, err)
		}
		return nil
	})
}

// LoadSegment returns the stored segment for path. found is false when
// nothing is stored.
func (d *DB) LoadSegment(ctx context.Context, path string) (fp model.Fingerprint, payload []byte, found bool, err error) {
	var hash int64
	row := d.db.QueryRowContext(ctx, `SELECT size, mtime_ns, hash, payload FROM segments WHERE path = ?`, path)
	if err := row.Scan(&fp.Size, &fp.ModTime, &hash, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Fingerprint{}, nil, false, nil
		}
		return model.Fingerprint{}, nil, false, fmt.Errorf("load segment %s: %w", path, err)
	}
	fp.Hash = uint64(hash)
	return fp, payload, true, nil
}

// EachSegment calls fn with every stored segment in path order. An error
// from fn stops the iteration and is returned.
func (d *DB) EachSegment(ctx context.Context, fn func(path string, payload []byte) error) error {
	rows, err := d.db.QueryContext(ctx, `SELECT path, payload FROM segments ORDER BY path`)
	if err != nil {
		return fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var payload []byte
		if err := rows.Scan(&path, &payload); err != nil {
			return fmt.Errorf("scan segment: %w", err)
		}
		if err := fn(path, payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteSegment removes the stored segment for path.
func (d *DB) DeleteSegment(ctx context.Context, path string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM segments WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete segment %s: %w", path, err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
