// Package smtpserver accepts inbound mail for disposable aliases.
package smtpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/rapidxoxo/mailpulse/internal/db"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

// AliasResolver maps a disposable address local part to its owning user.
type AliasResolver interface {
	Resolve(ctx context.Context, alias string) (string, error)
}

// RateGuard admits or denies another delivery for a user.
type RateGuard interface {
	Admit(ctx context.Context, userID string) (bool, error)
}

// EmailStore persists normalized mail records idempotently.
type EmailStore interface {
	InsertEmail(ctx context.Context, email *models.Email) (bool, error)
}

var (
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such recipient here",
	}
	errRateExceeded = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Rate limit exceeded, try again later",
	}
	errLocalFailure = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error",
	}
)

// Backend hands each accepted connection a session wired to the alias
// registry, rate guard, and persistence layer.
type Backend struct {
	resolver  AliasResolver
	guard     RateGuard
	store     EmailStore
	opTimeout time.Duration
}

// NewBackend creates an SMTP backend.
func NewBackend(resolver AliasResolver, guard RateGuard, store EmailStore) *Backend {
	return &Backend{
		resolver:  resolver,
		guard:     guard,
		store:     store,
		opTimeout: 10 * time.Second,
	}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// NewServer wraps the backend in a configured go-smtp server. The library
// owns the verb state machine, reply codes, idle timeouts, and the
// dot-terminated DATA read; the session below supplies the routing and
// storage decisions.
func NewServer(backend *Backend, addr, domain string) *smtp.Server {
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = domain
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.MaxMessageBytes = 2 * 1024 * 1024
	server.MaxRecipients = 50
	return server
}

// session tracks one mail transaction. Recipients resolve to user ids at
// RCPT time so an unknown alias or an over-limit user is rejected before
// DATA ever starts.
type session struct {
	backend *Backend
	from    string
	userIDs []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	// Sender addresses are recorded as claimed, not verified.
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.backend.opTimeout)
	defer cancel()

	alias := localPart(to)
	userID, err := s.backend.resolver.Resolve(ctx, alias)
	if err != nil {
		if errors.Is(err, db.ErrAliasNotFound) {
			log.Printf("SMTP: rejected unknown recipient %s", to)
			return errUnknownRecipient
		}
		log.Printf("SMTP: alias lookup failed for %s: %v", to, err)
		return errLocalFailure
	}

	allowed, err := s.backend.guard.Admit(ctx, userID)
	if err != nil || !allowed {
		log.Printf("SMTP: rate limit hit for user %s", userID)
		return errRateExceeded
	}

	s.userIDs = append(s.userIDs, userID)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return errLocalFailure
	}

	receivedAt := time.Now().UTC()
	parsed := parseMessage(raw, s.from, receivedAt)

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.opTimeout)
	defer cancel()

	for _, userID := range s.userIDs {
		inserted, err := s.backend.store.InsertEmail(ctx, &models.Email{
			UserID:      userID,
			MessageID:   parsed.MessageID,
			Sender:      parsed.Sender,
			Subject:     parsed.Subject,
			BodyPreview: parsed.BodyPreview,
			ReceivedAt:  receivedAt,
		})
		if err != nil {
			log.Printf("SMTP: failed to save email for user %s: %v", userID, err)
			return errLocalFailure
		}
		if !inserted {
			log.Printf("SMTP: duplicate delivery absorbed for user %s", userID)
		}
	}

	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.userIDs = nil
}

func (s *session) Logout() error {
	return nil
}

// localPart extracts the mailbox name from an address like
// "temp_abc@mailpulse.net".
func localPart(address string) string {
	address = strings.TrimSpace(address)
	if at := strings.IndexByte(address, '@'); at >= 0 {
		address = address[:at]
	}
	return strings.ToLower(address)
}
