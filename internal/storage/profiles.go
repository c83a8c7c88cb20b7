package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const profileColumns = `id, balance, held, score, games_played, wins, losses, draws, updated_at`

// EnsureProfile creates an empty profile for id if none exists.
func (s *Store) EnsureProfile(ctx context.Context, id string) error {
	return s.ensureProfile(ctx, s.db, id)
}

// GetProfile retrieves a profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p, s.q(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Leaderboard returns profiles ordered by score, then wins.
func (s *Store) Leaderboard(ctx context.Context, limit, offset int) ([]Profile, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	profiles := []Profile{}
	err := s.db.SelectContext(ctx, &profiles, s.q(`
		SELECT `+profileColumns+` FROM profiles
		ORDER BY score DESC, wins DESC, id ASC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, err
	}
	return profiles, nil
}
