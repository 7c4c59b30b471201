// Package spamgate decides whether a validated submission comes from a person.
package spamgate

import (
	"context"
	"errors"
	"log/slog"

	"mailrelay/internal/domain"
)

// ErrBotDetected is returned when the honeypot field was filled in.
var ErrBotDetected = errors.New("spamgate: bot detected")

// Verifier checks a CAPTCHA token for the given caller.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

type Gate struct {
	verifier Verifier
	log      *slog.Logger
}

func New(verifier Verifier, log *slog.Logger) *Gate {
	return &Gate{verifier: verifier, log: log}
}

// Check runs the honeypot test and then the CAPTCHA verification. The
// verifier is not called for a filled honeypot.
func (g *Gate) Check(ctx context.Context, sub *domain.MailSubmission, remoteIP string) error {
	if sub.Honeypot() != "" {
		g.log.WarnContext(ctx, "blocked bot request", "ip", remoteIP)
		return ErrBotDetected
	}

	if err := g.verifier.Verify(ctx, sub.CaptchaToken(), remoteIP); err != nil {
		g.log.WarnContext(ctx, "captcha rejected", "ip", remoteIP, "error", err)
		return err
	}
	return nil
}
