package smtpserver

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jhillyerd/enmime"
)

const (
	previewLength  = 500
	defaultSubject = "(No Subject)"
)

type parsedMessage struct {
	MessageID   string
	Sender      string
	Subject     string
	BodyPreview string
}

// parseMessage extracts the headers and a bounded plaintext preview from a
// raw DATA payload. Header extraction is best-effort: an unparseable
// message still yields a storable record with the envelope sender.
func parseMessage(raw []byte, envelopeFrom string, receivedAt time.Time) parsedMessage {
	parsed := parsedMessage{
		Sender:  envelopeFrom,
		Subject: defaultSubject,
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err == nil {
		if from := envelope.GetHeader("From"); from != "" {
			parsed.Sender = from
		}
		if subject := envelope.GetHeader("Subject"); subject != "" {
			parsed.Subject = subject
		}
		parsed.BodyPreview = truncateRunes(envelope.Text, previewLength)
		parsed.MessageID = envelope.GetHeader("Message-Id")
	}

	if parsed.MessageID == "" {
		parsed.MessageID = synthesizeMessageID(raw, receivedAt)
	}

	return parsed
}

// synthesizeMessageID derives a deterministic identifier for messages that
// carry no Message-Id header, from the payload bytes and the receipt time
// truncated to the hour. An exact retransmission within that hour hits the
// same id and dedups; later identical sends are new mail.
func synthesizeMessageID(raw []byte, receivedAt time.Time) string {
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte(receivedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)))
	return fmt.Sprintf("<%x@mailpulse.synthesized>", h.Sum(nil)[:16])
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
