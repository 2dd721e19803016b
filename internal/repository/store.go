package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store implements Repository over Postgres or SQLite.
type Store struct {
	db database
}

var _ Repository = (*Store)(nil)

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.db.dialect() == dialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply %s schema: %w", s.db.dialect(), err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.ping(ctx)
}

// Close releases the underlying connections.
func (s *Store) Close() {
	s.db.close()
}

// Driver names the SQL dialect in use.
func (s *Store) Driver() string {
	return s.db.dialect().String()
}

// jsonArg stores an empty payload as NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
