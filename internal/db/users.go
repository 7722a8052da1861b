package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rapidxoxo/mailpulse/internal/models"
)

// ErrUserNotFound is returned when a requested user does not exist.
var ErrUserNotFound = errors.New("user not found")

// UpsertUser creates the user row, or updates its email if it already
// exists. Credential columns are untouched.
func (s *Store) UpsertUser(ctx context.Context, id, email string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
	`, id, email)

	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return nil
}

// GetUserCredential returns the raw credential columns for the user.
func (s *Store) GetUserCredential(ctx context.Context, userID string) (*models.StoredCredential, error) {
	var cred models.StoredCredential
	cred.UserID = userID

	err := s.pool.QueryRow(ctx, `
		SELECT
			email,
			imap_server,
			imap_port,
			encrypted_imap_password,
			auth_provider,
			access_token,
			refresh_token,
			token_expires_at
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&cred.Email,
		&cred.IMAPServer,
		&cred.IMAPPort,
		&cred.EncryptedIMAPPassword,
		&cred.AuthProvider,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.TokenExpiresAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user credential: %w", err)
	}

	return &cred, nil
}

// SetIMAPCredential attaches IMAP credentials to the user, clearing any
// OAuth token set in the same statement so only one kind stays active.
func (s *Store) SetIMAPCredential(ctx context.Context, userID, server string, port int, encryptedPassword []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET
			imap_server = $2,
			imap_port = $3,
			encrypted_imap_password = $4,
			auth_provider = NULL,
			access_token = NULL,
			refresh_token = NULL,
			token_expires_at = NULL
		WHERE id = $1
	`, userID, server, port, encryptedPassword)

	if err != nil {
		return fmt.Errorf("failed to set IMAP credential: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// SetOAuthCredential attaches an OAuth token set to the user, clearing any
// stored IMAP password in the same statement. The IMAP server/port columns
// keep the provider's IMAP endpoint for the XOAUTH2 fetch path.
func (s *Store) SetOAuthCredential(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time, imapServer string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET
			auth_provider = $2,
			access_token = $3,
			refresh_token = $4,
			token_expires_at = $5,
			imap_server = $6,
			imap_port = 993,
			encrypted_imap_password = NULL
		WHERE id = $1
	`, userID, provider, accessToken, refreshToken, expiresAt, imapServer)

	if err != nil {
		return fmt.Errorf("failed to set OAuth credential: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// SaveOAuthTokens persists a refreshed token set without touching the rest
// of the credential columns.
func (s *Store) SaveOAuthTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET
			access_token = $2,
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expires_at = $4
		WHERE id = $1
	`, userID, accessToken, refreshToken, expiresAt)

	if err != nil {
		return fmt.Errorf("failed to save OAuth tokens: %w", err)
	}

	return nil
}
