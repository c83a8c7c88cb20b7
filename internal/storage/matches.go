package storage

import (
	"context"
	"fmt"
)

type matchRow struct {
	ID    string `db:"id"`
	State string `db:"state"`
}

// SaveMatch upserts a match snapshot.
func (s *Store) SaveMatch(ctx context.Context, id string, state []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO matches (id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`), id, string(state), s.now())
	return err
}

// DeleteMatch removes a match snapshot. Deleting a missing snapshot is not an error.
func (s *Store) DeleteMatch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM matches WHERE id = ?`), id)
	return err
}

// LoadMatches returns every stored snapshot keyed by match id.
func (s *Store) LoadMatches(ctx context.Context) (map[string][]byte, error) {
	var rows []matchRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, state FROM matches`); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.ID] = []byte(r.State)
	}
	return out, nil
}
