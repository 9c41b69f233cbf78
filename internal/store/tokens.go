package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TokenStore persists avatar-app authentication tokens per plugin name.
// Tokens are opaque bearer strings.
type TokenStore struct {
	db *DB
}

// Tokens returns the token store backed by db.
func (db *DB) Tokens() *TokenStore {
	return &TokenStore{db: db}
}

// LoadToken returns the saved token for plugin, or "" if none is saved.
func (s *TokenStore) LoadToken(ctx context.Context, plugin string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM auth_tokens WHERE plugin_name = ?`, plugin).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token for %q: %w", plugin, err)
	}
	return token, nil
}

// SaveToken stores token for plugin, replacing any previous one.
func (s *TokenStore) SaveToken(ctx context.Context, plugin, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (plugin_name, token, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(plugin_name) DO UPDATE SET
			token = excluded.token,
			updated_at = CURRENT_TIMESTAMP`, plugin, token)
	if err != nil {
		return fmt.Errorf("save token for %q: %w", plugin, err)
	}
	return nil
}

// ClearToken forgets the token for plugin. Clearing a missing token is not
// an error.
func (s *TokenStore) ClearToken(ctx context.Context, plugin string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE plugin_name = ?`, plugin); err != nil {
		return fmt.Errorf("clear token for %q: %w", plugin, err)
	}
	return nil
}
