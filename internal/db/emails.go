package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rapidxoxo/mailpulse/internal/models"
)

// ErrEmailNotFound is returned when a user's inbox is empty.
var ErrEmailNotFound = errors.New("email not found")

// InsertEmail stores a normalized mail record. A conflict on
// (user_id, message_id) is the message having been ingested already, by the
// other path or an earlier sync; the insert is a no-op and the first
// return value reports whether a new row was written.
func (s *Store) InsertEmail(ctx context.Context, email *models.Email) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO emails (user_id, message_id, sender, subject, body_preview, received_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`,
		email.UserID,
		email.MessageID,
		email.Sender,
		email.Subject,
		email.BodyPreview,
		email.ReceivedAt,
	)

	if err != nil {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListEmails returns the user's most recent emails, newest first.
func (s *Store) ListEmails(ctx context.Context, userID string, limit int) ([]*models.Email, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(message_id, ''), sender, subject, body_preview, received_at
		FROM emails
		WHERE user_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, userID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var emails []*models.Email
	for rows.Next() {
		var email models.Email
		if err := rows.Scan(
			&email.ID,
			&email.UserID,
			&email.MessageID,
			&email.Sender,
			&email.Subject,
			&email.BodyPreview,
			&email.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, &email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emails: %w", err)
	}

	return emails, nil
}

// GetLatestEmail returns the most recently received email for the user.
func (s *Store) GetLatestEmail(ctx context.Context, userID string) (*models.Email, error) {
	var email models.Email

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(message_id, ''), sender, subject, body_preview, received_at
		FROM emails
		WHERE user_id = $1
		ORDER BY received_at DESC
		LIMIT 1
	`, userID).Scan(
		&email.ID,
		&email.UserID,
		&email.MessageID,
		&email.Sender,
		&email.Subject,
		&email.BodyPreview,
		&email.ReceivedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmailNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get latest email: %w", err)
	}

	return &email, nil
}

// LatestReceivedAt returns the newest stored receipt time for the user, or
// nil when no email has been ingested yet. The sync engine uses it as the
// fetch watermark.
func (s *Store) LatestReceivedAt(ctx context.Context, userID string) (*time.Time, error) {
	var latest *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT MAX(received_at) FROM emails WHERE user_id = $1
	`, userID).Scan(&latest)

	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}

	return latest, nil
}

// CountEmailsSince counts the user's emails received after the given time,
// backing the ingestion rate guard off the (user_id, received_at) index.
func (s *Store) CountEmailsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM emails WHERE user_id = $1 AND received_at > $2
	`, userID, since).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}

	return count, nil
}
