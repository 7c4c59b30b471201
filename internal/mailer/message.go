package mailer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"

	"mailrelay/internal/domain"
)

// Subject renders the enquiry subject line.
func Subject(sub *domain.MailSubmission) string {
	return fmt.Sprintf("[%s] New enquiry from %s", sub.Site(), sub.Name())
}

// Body renders the plain-text enquiry body.
func Body(sub *domain.MailSubmission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", sub.Name())
	fmt.Fprintf(&b, "Email: %s\n", sub.Email())
	if sub.HasService() {
		fmt.Fprintf(&b, "Service: %s\n", sub.Service())
	}
	b.WriteString("\n")
	b.WriteString(sub.Message())
	b.WriteString("\n")
	return b.String()
}

// Compose builds the RFC 5322 message for a submission. Replies go to the
// submitter, not to the relay.
func Compose(from, to *mail.Address, sub *domain.MailSubmission, now time.Time) ([]byte, error) {
	replyTo, err := mail.ParseAddress(sub.Email())
	if err != nil {
		return nil, fmt.Errorf("reply-to address: %w", err)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetAddressList("Reply-To", []*mail.Address{replyTo})
	h.SetSubject(Subject(sub))
	h.SetMessageID(messageID(from, now))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, Body(sub)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func messageID(from *mail.Address, now time.Time) string {
	host := "localhost"
	if _, domainPart, ok := strings.Cut(from.Address, "@"); ok && domainPart != "" {
		host = domainPart
	}
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String() + "@" + host
}
