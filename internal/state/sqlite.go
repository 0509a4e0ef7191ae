package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore persists state in a SQLite database. Save replaces the
// whole state inside one transaction, which SQLite's journal makes
// crash-atomic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. A file that
// exists but is not a SQLite database is reported as [ErrCorrupt].
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		if isCorruption(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, dbPath, err)
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailbox_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		initialized  INTEGER NOT NULL,
		folder       TEXT NOT NULL,
		uid_validity INTEGER NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS seen_messages (
		uid INTEGER PRIMARY KEY
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads the stored state. An empty database yields an
// uninitialized state.
func (s *SQLiteStore) Load(ctx context.Context) (*KnownState, error) {
	st := New()

	var initialized int
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT initialized, folder, uid_validity, updated_at FROM mailbox_state WHERE id = 1`,
	).Scan(&initialized, &st.Folder, &st.UIDValidity, &updatedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		if isCorruption(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("load mailbox state: %w", err)
	}

	st.Initialized = initialized != 0
	st.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: updated_at %q: %v", ErrCorrupt, updatedAt, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM seen_messages ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("load seen messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan seen message: %w", err)
		}
		if uid <= 0 || uid > int64(^uint32(0)) {
			return nil, fmt.Errorf("%w: uid %d out of range", ErrCorrupt, uid)
		}
		st.Add(uint32(uid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load seen messages: %w", err)
	}
	return st, nil
}

// Save replaces the stored state with st in a single transaction and
// sets st.UpdatedAt.
func (s *SQLiteStore) Save(ctx context.Context, st *KnownState) (err error) {
	now := time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM seen_messages`); err != nil {
		return fmt.Errorf("clear seen messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO seen_messages (uid) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, uid := range st.UIDs() {
		if _, err = stmt.ExecContext(ctx, int64(uid)); err != nil {
			return fmt.Errorf("insert uid %d: %w", uid, err)
		}
	}

	initialized := 0
	if st.Initialized {
		initialized = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO mailbox_state (id, initialized, folder, uid_validity, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET initialized = excluded.initialized,
		     folder = excluded.folder,
		     uid_validity = excluded.uid_validity,
		     updated_at = excluded.updated_at`,
		initialized, st.Folder, int64(st.UIDValidity), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert mailbox state: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	st.UpdatedAt = now
	return nil
}

// isCorruption reports whether err is SQLite's way of saying the file
// is not a usable database.
func isCorruption(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrNotADB || sqliteErr.Code == sqlite3.ErrCorrupt
	}
	return false
}
