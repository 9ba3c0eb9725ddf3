package sessions

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	get: `SELECT value FROM chat_sessions WHERE key = ?`,
	put: `
		INSERT INTO chat_sessions (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	delete: `DELETE FROM chat_sessions WHERE key = ?`,
}

// SQLiteStore persists sessions in a local SQLite file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and creates) the database at path. An empty path
// uses an in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect)}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
