package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// SMTP connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

const defaultSubject = "New mail notifications"

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	From     string
	Subject  string
}

// SMTP delivers text as a plain-text email; the room is the recipient address.
type SMTP struct {
	cfg     SMTPConfig
	tlsConf *tls.Config
}

// NewSMTP creates an SMTP notifier.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}

	return &SMTP{
		cfg:     cfg,
		tlsConf: &tls.Config{ServerName: cfg.Host},
	}
}

// Deliver sends text to the recipient room. Empty text is accepted and nothing is sent.
func (s *SMTP) Deliver(ctx context.Context, room, text string) error {
	if text == "" {
		return nil
	}

	msg, err := s.buildMessage(room, text)
	if err != nil {
		return fmt.Errorf("%w: buildMessage failed: %w", model.ErrDelivery, err)
	}

	clt, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrDelivery, err)
	}
	defer func() { _ = clt.Close() }()

	if s.cfg.Password != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := clt.Auth(auth); err != nil {
			return fmt.Errorf("%w: client.Auth failed: %w", model.ErrDelivery, err)
		}
	}

	if err := clt.SendMail(s.cfg.From, []string{room}, msg); err != nil {
		return fmt.Errorf("%w: client.SendMail failed: %w", model.ErrDelivery, err)
	}

	if err := clt.Quit(); err != nil {
		return fmt.Errorf("%w: client.Quit failed: %w", model.ErrDelivery, err)
	}

	return nil
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	switch s.cfg.Security {
	case SecurityTLS:
		return smtp.NewClient(tls.Client(conn, s.tlsConf)), nil
	case SecurityNone:
		return smtp.NewClient(conn), nil
	default:
		clt, err := smtp.NewClientStartTLS(conn, s.tlsConf)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("smtp.NewClientStartTLS failed: %w", err)
		}
		return clt, nil
	}
}

func (s *SMTP) buildMessage(to, text string) (*bytes.Buffer, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(s.cfg.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: s.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateSingleInlineWriter failed: %w", err)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("w.Write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("w.Close failed: %w", err)
	}

	return &buf, nil
}
