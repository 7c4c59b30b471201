package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// DefaultTimeout bounds one SMTP session when none is configured.
const DefaultTimeout = 10 * time.Second

// implicitTLSPort is the submissions port (RFC 8314), where TLS starts
// before the greeting instead of through STARTTLS.
const implicitTLSPort = 465

// ErrDeliveryFailed wraps every failure of an SMTP session.
var ErrDeliveryFailed = errors.New("mailer: delivery failed")

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration

	// ImplicitTLS starts TLS before the greeting on any port. Port 465 with
	// TLS set always does.
	ImplicitTLS bool

	// TLSConfig overrides the client TLS settings. Nil means verify Host.
	TLSConfig *tls.Config
}

// SMTPSender opens one authenticated session per message.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &SMTPSender{cfg: cfg}
}

// Send delivers msg to exactly one recipient. The connection is closed on
// every return path and when ctx is cancelled mid-session.
func (s *SMTPSender) Send(ctx context.Context, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: connect: %w", ErrDeliveryFailed, err)
	}
	// Closing the conn on ctx expiry bounds the greeting and STARTTLS too,
	// which run before the client timeouts below can be set.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var c *smtp.Client
	if s.cfg.TLS && !s.implicitTLS() {
		c, err = smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			return fmt.Errorf("%w: starttls: %w", ErrDeliveryFailed, err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		c.CommandTimeout = remaining
		c.SubmissionTimeout = remaining
	}

	if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
		return fmt.Errorf("%w: auth: %w", ErrDeliveryFailed, err)
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("%w: mail from: %w", ErrDeliveryFailed, err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("%w: rcpt to: %w", ErrDeliveryFailed, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("%w: data: %w", ErrDeliveryFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: write: %w", ErrDeliveryFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: data close: %w", ErrDeliveryFailed, err)
	}

	// The relay has accepted the message once DATA is closed; a failed QUIT
	// does not undo that.
	_ = c.Quit()
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	nd := &net.Dialer{}
	if s.implicitTLS() {
		td := &tls.Dialer{NetDialer: nd, Config: s.tlsConfig()}
		return td.DialContext(ctx, "tcp", addr)
	}
	return nd.DialContext(ctx, "tcp", addr)
}

func (s *SMTPSender) implicitTLS() bool {
	return s.cfg.TLS && (s.cfg.ImplicitTLS || s.cfg.Port == implicitTLSPort)
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig != nil {
		cfg := s.cfg.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = s.cfg.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
}
