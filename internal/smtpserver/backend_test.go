package smtpserver

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidxoxo/mailpulse/internal/db"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

type fakeResolver struct {
	aliases map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, alias string) (string, error) {
	userID, ok := f.aliases[alias]
	if !ok {
		return "", db.ErrAliasNotFound
	}
	return userID, nil
}

type fakeGuard struct {
	allow bool
	err   error
}

func (f *fakeGuard) Admit(context.Context, string) (bool, error) {
	return f.allow, f.err
}

type fakeEmailStore struct {
	mu      sync.Mutex
	emails  []*models.Email
	seen    map[string]bool
	failing bool
}

func newFakeEmailStore() *fakeEmailStore {
	return &fakeEmailStore{seen: make(map[string]bool)}
}

func (f *fakeEmailStore) InsertEmail(_ context.Context, email *models.Email) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return false, errors.New("database unavailable")
	}

	key := email.UserID + "|" + email.MessageID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	f.emails = append(f.emails, email)
	return true, nil
}

func (f *fakeEmailStore) stored() []*models.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Email(nil), f.emails...)
}

// startServer runs a real listener so the tests exercise the full verb
// sequence through a plain SMTP client.
func startServer(t *testing.T, resolver AliasResolver, guard RateGuard, store EmailStore) string {
	t.Helper()

	backend := NewBackend(resolver, guard, store)
	server := NewServer(backend, "127.0.0.1:0", "mailpulse.net")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return listener.Addr().String()
}

func testMessage(subject string) []byte {
	return []byte("From: Alice <alice@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-Id: <" + subject + "@example.com>\r\n" +
		"\r\n" +
		"Hello from the test.\r\n")
}

func TestDeliveryToKnownAlias(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{"temp_abc": "user-1"}}
	store := newFakeEmailStore()
	addr := startServer(t, resolver, &fakeGuard{allow: true}, store)

	err := smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_abc@mailpulse.net"}, testMessage("greeting"))
	require.NoError(t, err)

	emails := store.stored()
	require.Len(t, emails, 1)
	assert.Equal(t, "user-1", emails[0].UserID)
	assert.Equal(t, "Alice <alice@example.com>", emails[0].Sender)
	assert.Equal(t, "greeting", emails[0].Subject)
	assert.Equal(t, "<greeting@example.com>", emails[0].MessageID)
	assert.Contains(t, emails[0].BodyPreview, "Hello from the test.")
	assert.WithinDuration(t, time.Now().UTC(), emails[0].ReceivedAt, 10*time.Second)
}

func TestDeliveryToUnknownAliasRejected(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{}}
	store := newFakeEmailStore()
	addr := startServer(t, resolver, &fakeGuard{allow: true}, store)

	err := smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_nope@mailpulse.net"}, testMessage("greeting"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
	assert.Empty(t, store.stored())
}

func TestDeliveryRateLimited(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{"temp_abc": "user-1"}}
	store := newFakeEmailStore()
	addr := startServer(t, resolver, &fakeGuard{allow: false}, store)

	err := smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_abc@mailpulse.net"}, testMessage("greeting"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "451")
	assert.Empty(t, store.stored())
}

func TestDuplicateDeliveryAbsorbed(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{"temp_abc": "user-1"}}
	store := newFakeEmailStore()
	addr := startServer(t, resolver, &fakeGuard{allow: true}, store)

	msg := testMessage("once")
	require.NoError(t, smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_abc@mailpulse.net"}, msg))
	// Byte-identical retransmission is accepted at the protocol level but
	// stored only once.
	require.NoError(t, smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_abc@mailpulse.net"}, msg))

	assert.Len(t, store.stored(), 1)
}

func TestStoreFailureReportedAsTemporary(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{"temp_abc": "user-1"}}
	store := newFakeEmailStore()
	store.failing = true
	addr := startServer(t, resolver, &fakeGuard{allow: true}, store)

	err := smtp.SendMail(addr, nil, "alice@example.com", []string{"temp_abc@mailpulse.net"}, testMessage("greeting"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "451")
}

func TestAddressCaseInsensitive(t *testing.T) {
	resolver := &fakeResolver{aliases: map[string]string{"temp_abc": "user-1"}}
	store := newFakeEmailStore()
	addr := startServer(t, resolver, &fakeGuard{allow: true}, store)

	err := smtp.SendMail(addr, nil, "alice@example.com", []string{"TEMP_ABC@MAILPULSE.NET"}, testMessage("case"))
	require.NoError(t, err)
	require.Len(t, store.stored(), 1)
}
