package seen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seen_messages (
	id           TEXT PRIMARY KEY,
	committed_at TEXT NOT NULL
);
`

// SQLiteStore keeps the seen-set in a SQLite table. Commits run in a single
// transaction, so concurrent passes serialize on the database lock.
type SQLiteStore struct {
	set
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: os.MkdirAll failed: %w", model.ErrStore, err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlx.Open failed: %w", model.ErrStore, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enabling WAL mode failed: %w", model.ErrStore, err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate schema failed: %w", model.ErrStore, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads every committed id. On failure the set is left empty.
func (s *SQLiteStore) Load(ctx context.Context) error {
	s.reset()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM seen_messages ORDER BY rowid"); err != nil {
		return fmt.Errorf("%w: select seen_messages failed: %w", model.ErrStore, err)
	}

	s.add(ids...)

	return nil
}

// Commit inserts ids; ids already present are ignored.
func (s *SQLiteStore) Commit(ctx context.Context, ids []string) error {
	ids = s.fresh(ids)
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: db.BeginTxx failed: %w", model.ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, "INSERT OR IGNORE INTO seen_messages (id, committed_at) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("%w: tx.PreparexContext failed: %w", model.ErrStore, err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, now); err != nil {
			return fmt.Errorf("%w: insert %s failed: %w", model.ErrStore, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: tx.Commit failed: %w", model.ErrStore, err)
	}

	s.add(ids...)

	return nil
}
