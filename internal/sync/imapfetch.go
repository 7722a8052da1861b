package sync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/jhillyerd/enmime"

	"github.com/rapidxoxo/mailpulse/internal/models"
)

// IMAPFetcher pulls message summaries from an IMAP mailbox. It serves both
// the direct-credential kind (LOGIN) and non-Google OAuth accounts
// (XOAUTH2 against the provider's IMAP endpoint).
type IMAPFetcher struct {
	dialTimeout time.Duration
	maxMessages int
	previewLen  int
	dial        func(addr string) (*imapclient.Client, error)
}

// NewIMAPFetcher creates an IMAP fetcher dialing with implicit TLS.
func NewIMAPFetcher() *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 5 * time.Second,
		maxMessages: 50,
		previewLen:  500,
	}
	f.dial = func(addr string) (*imapclient.Client, error) {
		dialer := &net.Dialer{Timeout: f.dialTimeout}
		return imapclient.DialWithDialerTLS(dialer, addr, nil)
	}
	return f
}

// Fetch connects to the mailbox, searches INBOX for messages since the
// watermark, and returns their normalized summaries.
func (f *IMAPFetcher) Fetch(ctx context.Context, cred *models.Credential, since time.Time) ([]models.FetchedEmail, error) {
	client, err := f.connect(cred)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout() }()

	if _, err := client.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}

	if len(uids) == 0 {
		return nil, nil
	}

	// UIDs ascend with arrival order. Cap from the old end so anything cut
	// off stays newer than the watermark and is picked up by the next sync.
	if len(uids) > f.maxMessages {
		uids = uids[:f.maxMessages]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- client.UidFetch(seqSet, items, messages)
	}()

	var emails []models.FetchedEmail
	for msg := range messages {
		email, ok := f.normalize(msg, section, since)
		if ok {
			emails = append(emails, email)
		}
	}

	if err := <-done; err != nil {
		return emails, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return emails, nil
}

// connect dials the mailbox endpoint and authenticates according to the
// credential kind.
func (f *IMAPFetcher) connect(cred *models.Credential) (*imapclient.Client, error) {
	server, port, err := mailboxEndpoint(cred)
	if err != nil {
		return nil, err
	}

	client, err := f.dial(fmt.Sprintf("%s:%d", server, port))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", server, err)
	}

	switch cred.Kind {
	case models.KindIMAP:
		if err := client.Login(cred.Email, cred.IMAP.Password); err != nil {
			_ = client.Logout()
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	case models.KindOAuth:
		if err := client.Authenticate(newXOAuth2Client(cred.Email, cred.OAuth.AccessToken)); err != nil {
			_ = client.Logout()
			return nil, fmt.Errorf("failed to authenticate with XOAUTH2: %w", err)
		}
	default:
		_ = client.Logout()
		return nil, fmt.Errorf("no usable mailbox credential")
	}

	return client, nil
}

// normalize converts a fetched IMAP message into a summary. SEARCH SINCE
// has date granularity, so candidates at or before the watermark are
// filtered out here.
func (f *IMAPFetcher) normalize(msg *imap.Message, section *imap.BodySectionName, since time.Time) (models.FetchedEmail, bool) {
	if msg == nil || msg.Envelope == nil {
		return models.FetchedEmail{}, false
	}

	email := models.FetchedEmail{
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date.UTC(),
	}

	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}
	if !email.ReceivedAt.After(since) {
		return models.FetchedEmail{}, false
	}

	if len(msg.Envelope.From) > 0 && msg.Envelope.From[0] != nil {
		email.Sender = msg.Envelope.From[0].Address()
	}

	// Envelopes without a Message-Id would land as NULL and escape the
	// dedup key, so derive a stable identifier the way the listener does.
	if email.MessageID == "" {
		email.MessageID = synthesizeMailboxID(email.Sender, email.Subject, email.ReceivedAt)
	}

	if body := msg.GetBody(section); body != nil {
		if envelope, err := enmime.ReadEnvelope(body); err == nil {
			email.BodyPreview = truncateRunes(envelope.Text, f.previewLen)
		}
	}

	return email, true
}

func mailboxEndpoint(cred *models.Credential) (string, int, error) {
	switch cred.Kind {
	case models.KindIMAP:
		return cred.IMAP.Server, cred.IMAP.Port, nil
	case models.KindOAuth:
		switch cred.OAuth.Provider {
		case "microsoft":
			return "outlook.office365.com", 993, nil
		case "google":
			return "imap.gmail.com", 993, nil
		}
	}
	return "", 0, fmt.Errorf("no mailbox endpoint for credential")
}

// synthesizeMailboxID derives a deterministic identifier for messages whose
// envelope carries no Message-Id, so repeated syncs still dedup them.
func synthesizeMailboxID(sender, subject string, date time.Time) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(date.UTC().Format(time.RFC3339)))
	return fmt.Sprintf("<%x@mailpulse.synthesized>", h.Sum(nil)[:16])
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// xoauth2Client implements the XOAUTH2 SASL mechanism Google and Microsoft
// IMAP endpoints accept for bearer tokens.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server sends a challenge only on failure; an empty response asks
	// for the final error.
	return []byte{}, nil
}
