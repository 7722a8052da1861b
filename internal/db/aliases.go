package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrAliasNotFound is returned when an alias does not route to any user.
var ErrAliasNotFound = errors.New("alias not found")

// ResolveAlias returns the id of the user owning the alias.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var userID string

	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM temp_aliases WHERE alias = $1
	`, alias).Scan(&userID)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAliasNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to resolve alias: %w", err)
	}

	return userID, nil
}

// ReplaceAlias retires any alias the user currently owns and installs the
// new one. Both steps run in one transaction so the single-active-alias
// invariant holds even under concurrent creates.
func (s *Store) ReplaceAlias(ctx context.Context, userID, alias string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM temp_aliases WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to retire old alias: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO temp_aliases (alias, user_id) VALUES ($1, $2)
	`, alias, userID); err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit alias replacement: %w", err)
	}

	return nil
}

// DeleteAlias removes the user's alias binding. Deleting a user that owns
// no alias is not an error.
func (s *Store) DeleteAlias(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM temp_aliases WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete alias: %w", err)
	}

	return nil
}
