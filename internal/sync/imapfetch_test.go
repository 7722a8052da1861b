package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidxoxo/mailpulse/internal/models"
	"github.com/rapidxoxo/mailpulse/internal/testutil"
)

// plaintextFetcher connects without TLS so the in-memory server can be used.
func plaintextFetcher(addr string) *IMAPFetcher {
	f := NewIMAPFetcher()
	f.dial = func(string) (*imapclient.Client, error) {
		return imapclient.Dial(addr)
	}
	return f
}

func imapTestCred(srv *testutil.TestIMAPServer) *models.Credential {
	return &models.Credential{
		Kind:  models.KindIMAP,
		Email: srv.Username(),
		IMAP: &models.IMAPCredential{
			Server:   "ignored.example.com",
			Port:     993,
			Password: srv.Password(),
		},
	}
}

func TestIMAPFetch(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)

	sentAt := time.Now().UTC().Add(-time.Hour)
	srv.AddMessage(t, "INBOX", "<fresh@example.com>", "Fresh message", "alice@example.com", "bob@example.com", "Hello from the mailbox.", sentAt)

	fetcher := plaintextFetcher(srv.Address)
	since := time.Now().Add(-48 * time.Hour)

	emails, err := fetcher.Fetch(context.Background(), imapTestCred(srv), since)
	require.NoError(t, err)
	require.Len(t, emails, 1, "the backend's ancient sample message is older than the watermark")

	assert.Equal(t, "<fresh@example.com>", emails[0].MessageID)
	assert.Equal(t, "alice@example.com", emails[0].Sender)
	assert.Equal(t, "Fresh message", emails[0].Subject)
	assert.Contains(t, emails[0].BodyPreview, "Hello from the mailbox.")
	assert.WithinDuration(t, sentAt, emails[0].ReceivedAt, time.Minute)
}

func TestIMAPFetchFiltersByWatermark(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)

	srv.AddMessage(t, "INBOX", "<old@example.com>", "Old", "alice@example.com", "bob@example.com", "old body", time.Now().UTC().Add(-72*time.Hour))
	srv.AddMessage(t, "INBOX", "<new@example.com>", "New", "alice@example.com", "bob@example.com", "new body", time.Now().UTC().Add(-time.Hour))

	fetcher := plaintextFetcher(srv.Address)
	since := time.Now().Add(-24 * time.Hour)

	emails, err := fetcher.Fetch(context.Background(), imapTestCred(srv), since)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "<new@example.com>", emails[0].MessageID)
}

func TestIMAPFetchBadPassword(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)

	cred := imapTestCred(srv)
	cred.IMAP.Password = "wrong"
	fetcher := plaintextFetcher(srv.Address)

	_, err := fetcher.Fetch(context.Background(), cred, time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to authenticate")
}

func TestNormalizeSynthesizesMissingMessageID(t *testing.T) {
	fetcher := NewIMAPFetcher()
	section := &imap.BodySectionName{}
	date := time.Date(2026, 5, 2, 14, 30, 0, 0, time.UTC)
	since := date.Add(-time.Hour)

	envelope := func(subject string) *imap.Message {
		return &imap.Message{Envelope: &imap.Envelope{
			Subject: subject,
			Date:    date,
			From:    []*imap.Address{{MailboxName: "alice", HostName: "example.com"}},
		}}
	}

	email, ok := fetcher.normalize(envelope("no id"), section, since)
	require.True(t, ok)
	require.NotEmpty(t, email.MessageID, "a missing Message-Id must not bypass the dedup key")
	assert.Contains(t, email.MessageID, "@mailpulse.synthesized")

	again, ok := fetcher.normalize(envelope("no id"), section, since)
	require.True(t, ok)
	assert.Equal(t, email.MessageID, again.MessageID, "refetching the same message must dedup")

	other, ok := fetcher.normalize(envelope("different subject"), section, since)
	require.True(t, ok)
	assert.NotEqual(t, email.MessageID, other.MessageID)
}

func TestMailboxEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		cred       *models.Credential
		wantServer string
		wantPort   int
		wantErr    bool
	}{
		{
			name: "direct IMAP",
			cred: &models.Credential{
				Kind: models.KindIMAP,
				IMAP: &models.IMAPCredential{Server: "imap.example.com", Port: 1993},
			},
			wantServer: "imap.example.com",
			wantPort:   1993,
		},
		{
			name: "microsoft OAuth",
			cred: &models.Credential{
				Kind:  models.KindOAuth,
				OAuth: &models.OAuthCredential{Provider: "microsoft"},
			},
			wantServer: "outlook.office365.com",
			wantPort:   993,
		},
		{
			name: "google OAuth",
			cred: &models.Credential{
				Kind:  models.KindOAuth,
				OAuth: &models.OAuthCredential{Provider: "google"},
			},
			wantServer: "imap.gmail.com",
			wantPort:   993,
		},
		{
			name:    "no credential",
			cred:    &models.Credential{Kind: models.KindNone},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, port, err := mailboxEndpoint(tc.cred)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantServer, server)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestXOAuth2Client(t *testing.T) {
	client := newXOAuth2Client("bob@example.com", "token-123")

	mech, resp, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)

	payload := string(resp)
	assert.True(t, strings.HasPrefix(payload, "user=bob@example.com\x01"))
	assert.Contains(t, payload, "auth=Bearer token-123\x01")
	assert.True(t, strings.HasSuffix(payload, "\x01\x01"))

	next, err := client.Next([]byte(`{"status":"400"}`))
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "éé", truncateRunes("ééé", 2))
}
