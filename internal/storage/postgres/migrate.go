package postgres

import (
	"context"
	"fmt"
)

// Migrate creates the session and question tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// schema returns the DDL in execution order. Sessions are never deleted, so
// the question foreign key carries no delete action.
func (s *Store) schema() []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	url TEXT NOT NULL,
	content TEXT,
	status TEXT NOT NULL DEFAULT 'scraping'
		CHECK (status IN ('scraping', 'ready', 'failed')),
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.sessions),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES %s(id),
	question TEXT NOT NULL,
	answer TEXT,
	error TEXT,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.questions, s.sessions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_session_id_idx ON %s (session_id, created_at)`,
			s.questions, s.questions),
	}
}
