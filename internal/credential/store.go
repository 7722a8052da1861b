// Package credential owns per-user mail-source credentials and the OAuth
// token lifecycle.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/rapidxoxo/mailpulse/internal/config"
	"github.com/rapidxoxo/mailpulse/internal/crypto"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

// ErrNoCredential is returned when the user has no mail source connected.
var ErrNoCredential = errors.New("no credentials configured")

// ErrCredentialExpired is returned when the provider rejects the refresh
// token. The user must reconnect; retrying cannot help.
var ErrCredentialExpired = errors.New("credential expired, reconnect required")

// refreshMargin pads the expiry check so a token does not expire between
// the check and the remote fetch using it.
const refreshMargin = 2 * time.Minute

// UserStore is the persistence surface the credential store needs.
type UserStore interface {
	GetUserCredential(ctx context.Context, userID string) (*models.StoredCredential, error)
	SetIMAPCredential(ctx context.Context, userID, server string, port int, encryptedPassword []byte) error
	SetOAuthCredential(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time, imapServer string) error
	SaveOAuthTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error
}

// Store reads and refreshes user credentials. Refreshes for the same user
// are serialized so two concurrent syncs cannot race the provider and
// invalidate each other's rotated refresh token.
type Store struct {
	users     UserStore
	encryptor *crypto.Encryptor
	providers map[string]*oauth2.Config

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewStore creates a credential store. providers maps an auth_provider tag
// to its OAuth2 client configuration.
func NewStore(users UserStore, encryptor *crypto.Encryptor, providers map[string]*oauth2.Config) *Store {
	return &Store{
		users:     users,
		encryptor: encryptor,
		providers: providers,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// ProviderConfigs builds the OAuth2 client configurations from the app
// config, with the endpoints the original providers publish.
func ProviderConfigs(cfg *config.Config) map[string]*oauth2.Config {
	return map[string]*oauth2.Config{
		"google": {
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.ServerURL + "/auth/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			Scopes: []string{"https://mail.google.com/", "email"},
		},
		"microsoft": {
			ClientID:     cfg.MSClientID,
			ClientSecret: cfg.MSClientSecret,
			RedirectURL:  cfg.ServerURL + "/auth/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
				TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			},
			Scopes: []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access", "email"},
		},
	}
}

// Provider returns the OAuth2 configuration for a provider tag.
func (s *Store) Provider(name string) (*oauth2.Config, bool) {
	conf, ok := s.providers[name]
	return conf, ok
}

// Get returns the user's credential view without refreshing anything.
func (s *Store) Get(ctx context.Context, userID string) (*models.Credential, error) {
	stored, err := s.users.GetUserCredential(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.view(stored)
}

// EnsureFresh returns the user's credential view, refreshing an OAuth
// access token first when it is at or past its expiry margin. Returns
// ErrCredentialExpired when the provider rejects the refresh token.
func (s *Store) EnsureFresh(ctx context.Context, userID string) (*models.Credential, error) {
	cred, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cred.Kind != models.KindOAuth || time.Until(cred.OAuth.ExpiresAt) > refreshMargin {
		return cred, nil
	}

	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed already.
	cred, err = s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.Kind != models.KindOAuth || time.Until(cred.OAuth.ExpiresAt) > refreshMargin {
		return cred, nil
	}

	return s.refresh(ctx, userID, cred)
}

// AttachIMAP replaces the user's credential set with direct IMAP
// credentials, encrypting the password at rest.
func (s *Store) AttachIMAP(ctx context.Context, userID, server string, port int, password string) error {
	encrypted, err := s.encryptor.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}

	return s.users.SetIMAPCredential(ctx, userID, server, port, encrypted)
}

// AttachOAuth replaces the user's credential set with an OAuth token set.
func (s *Store) AttachOAuth(ctx context.Context, userID, provider string, token *oauth2.Token) error {
	refreshToken := token.RefreshToken
	return s.users.SetOAuthCredential(ctx, userID, provider, token.AccessToken, refreshToken, token.Expiry, providerIMAPServer(provider))
}

// refresh performs the token exchange against the provider and persists
// the result. Caller must hold the user's lock.
func (s *Store) refresh(ctx context.Context, userID string, cred *models.Credential) (*models.Credential, error) {
	conf, ok := s.providers[cred.OAuth.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown auth provider %q", cred.OAuth.Provider)
	}

	if cred.OAuth.RefreshToken == "" {
		return nil, ErrCredentialExpired
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.OAuth.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialExpired, retrieveErr)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	// The provider may rotate the refresh token; persist it when it does.
	rotated := ""
	if token.RefreshToken != "" && token.RefreshToken != cred.OAuth.RefreshToken {
		rotated = token.RefreshToken
	}

	if err := s.users.SaveOAuthTokens(ctx, userID, token.AccessToken, rotated, token.Expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	refreshed := *cred
	oauthCred := *cred.OAuth
	oauthCred.AccessToken = token.AccessToken
	oauthCred.ExpiresAt = token.Expiry
	if rotated != "" {
		oauthCred.RefreshToken = rotated
	}
	refreshed.OAuth = &oauthCred

	return &refreshed, nil
}

// view maps a stored row to the tagged credential variant.
func (s *Store) view(stored *models.StoredCredential) (*models.Credential, error) {
	cred := &models.Credential{Kind: models.KindNone, Email: stored.Email}

	switch {
	case stored.AuthProvider != nil && stored.AccessToken != nil:
		expiresAt := time.Time{}
		if stored.TokenExpiresAt != nil {
			expiresAt = *stored.TokenExpiresAt
		}
		refreshToken := ""
		if stored.RefreshToken != nil {
			refreshToken = *stored.RefreshToken
		}
		cred.Kind = models.KindOAuth
		cred.OAuth = &models.OAuthCredential{
			Provider:     *stored.AuthProvider,
			AccessToken:  *stored.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		}

	case stored.IMAPServer != nil && len(stored.EncryptedIMAPPassword) > 0:
		password, err := s.encryptor.Decrypt(stored.EncryptedIMAPPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
		}
		port := 993
		if stored.IMAPPort != nil {
			port = *stored.IMAPPort
		}
		cred.Kind = models.KindIMAP
		cred.IMAP = &models.IMAPCredential{
			Server:   *stored.IMAPServer,
			Port:     port,
			Password: password,
		}
	}

	return cred, nil
}

func (s *Store) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

func providerIMAPServer(provider string) string {
	switch provider {
	case "google":
		return "imap.gmail.com"
	case "microsoft":
		return "outlook.office365.com"
	default:
		return ""
	}
}
