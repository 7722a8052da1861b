package models

import "time"

// User represents a MailPulse user. The id is minted by the external
// identity provider and treated as opaque here.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialKind tags which mail-source credential a user holds.
type CredentialKind int

const (
	// KindNone means the user has no mail source connected.
	KindNone CredentialKind = iota
	// KindOAuth means the user connected a provider via OAuth.
	KindOAuth
	// KindIMAP means the user stored direct IMAP credentials.
	KindIMAP
)

// OAuthCredential holds a provider-issued token set.
type OAuthCredential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IMAPCredential holds direct mailbox credentials. Password is the
// decrypted plaintext; it never leaves process memory.
type IMAPCredential struct {
	Server   string
	Port     int
	Password string
}

// Credential is the capability view handed to the sync engine. Exactly one
// of OAuth/IMAP is set, matching Kind.
type Credential struct {
	Kind  CredentialKind
	Email string
	OAuth *OAuthCredential
	IMAP  *IMAPCredential
}

// StoredCredential mirrors the credential columns of the users row.
// Nil pointers are NULLs; the password stays encrypted at this layer.
type StoredCredential struct {
	UserID                string
	Email                 string
	IMAPServer            *string
	IMAPPort              *int
	EncryptedIMAPPassword []byte
	AuthProvider          *string
	AccessToken           *string
	RefreshToken          *string
	TokenExpiresAt        *time.Time
}
