// Package mailer turns accepted submissions into email and hands them to an
// SMTP relay.
package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"mailrelay/internal/domain"
)

// Sender delivers a fully rendered message to a single recipient.
type Sender interface {
	Send(ctx context.Context, from, to string, msg []byte) error
}

type Dispatcher struct {
	sender Sender
	from   *mail.Address
	to     *mail.Address
	now    func() time.Time
}

// NewDispatcher parses the configured sender and recipient addresses.
func NewDispatcher(sender Sender, from, to string) (*Dispatcher, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse sender address: %w", err)
	}
	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("parse recipient address: %w", err)
	}
	return &Dispatcher{sender: sender, from: fromAddr, to: toAddr, now: time.Now}, nil
}

// Dispatch renders sub and sends it once. There is no retry.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *domain.MailSubmission) error {
	msg, err := Compose(d.from, d.to, sub, d.now())
	if err != nil {
		return fmt.Errorf("%w: compose: %w", ErrDeliveryFailed, err)
	}
	return d.sender.Send(ctx, d.from.Address, d.to.Address, msg)
}
