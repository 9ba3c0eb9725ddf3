package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqlDialect holds the statements that differ between SQL backends.
type sqlDialect struct {
	name   string
	schema string
	get    string
	put    string
	delete string
}

// sqlStore implements Store on one chat_sessions table.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, dialect sqlDialect) *sqlStore {
	return &sqlStore{db: db, dialect: dialect, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("%s: failed to create chat_sessions table: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get session: %w", s.dialect.name, err)
	}
	return []byte(value), nil
}

func (s *sqlStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%s: session key is required", s.dialect.name)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.put, key, string(value), s.now().UTC()); err != nil {
		return fmt.Errorf("%s: failed to save session: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.delete, key); err != nil {
		return fmt.Errorf("%s: failed to delete session: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
