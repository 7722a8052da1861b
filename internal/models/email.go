package models

import "time"

// Email is a normalized mail record. Rows are created once by either
// ingestion path and never mutated afterwards.
type Email struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id"`
	Sender      string    `json:"sender"`
	Subject     string    `json:"subject"`
	BodyPreview string    `json:"body_preview"`
	ReceivedAt  time.Time `json:"received_at"`
}

// FetchedEmail is a message summary pulled from a remote mail source,
// before it is normalized into an Email row.
type FetchedEmail struct {
	MessageID   string
	Sender      string
	Subject     string
	BodyPreview string
	ReceivedAt  time.Time
}

// EmailResponse is the API representation of a stored email.
type EmailResponse struct {
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Preview    string `json:"preview"`
	ReceivedAt string `json:"received_at"`
}

// SyncResponse reports the outcome of a sync trigger.
type SyncResponse struct {
	Synced  bool   `json:"synced"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// AliasResponse is returned when a disposable alias is created.
type AliasResponse struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
	Email string `json:"email"`
}

// CreateUserRequest attaches IMAP credentials to a (possibly new) user.
type CreateUserRequest struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	IMAPServer   *string `json:"imap_server"`
	IMAPPort     *int    `json:"imap_port"`
	IMAPPassword *string `json:"imap_password"`
}

// UserResponse confirms a user create/update.
type UserResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Created bool   `json:"created"`
}
