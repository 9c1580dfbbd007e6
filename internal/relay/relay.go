// Package relay hands messages back to the mail transfer layer: onward SMTP
// delivery through a smarthost and bounce generation for refused messages.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/arbormail/mailflow/internal/dsn"
	"github.com/arbormail/mailflow/internal/message"
)

// Config locates the smarthost.
type Config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Domain is the local domain bounces originate from.
	Domain string `toml:"domain"`
}

// Transmitter is what the job handlers need from the mail transfer layer.
type Transmitter interface {
	// SendEmail relays the raw message to the recipients via the smarthost.
	SendEmail(ctx context.Context, from message.Address, to []message.Address, eml []byte) error

	// BounceEmail returns a non-delivery report to the original sender.
	// Messages from the null sender are silently discarded; bouncing a
	// bounce loops forever.
	BounceEmail(ctx context.Context, transport message.Transport, status dsn.Status) error
}

// SMTPRelay implements Transmitter on a single configured smarthost.
type SMTPRelay struct {
	config Config
	logger *slog.Logger
}

func NewSMTPRelay(config Config, logger *slog.Logger) *SMTPRelay {
	if config.Port == 0 {
		config.Port = 25
	}
	return &SMTPRelay{
		config: config,
		logger: logger.With("component", "relay"),
	}
}

func (r *SMTPRelay) SendEmail(ctx context.Context, from message.Address, to []message.Address, eml []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rcpts := make([]string, 0, len(to))
	for _, a := range to {
		rcpts = append(rcpts, a.Original)
	}

	sender := from.Original
	if from.IsNull() {
		sender = ""
	}

	addr := fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)
	var auth sasl.Client
	if r.config.Username != "" {
		auth = sasl.NewPlainClient("", r.config.Username, r.config.Password)
	}

	if err := smtp.SendMail(addr, auth, sender, rcpts, bytes.NewReader(eml)); err != nil {
		return fmt.Errorf("relaying via %s: %w", addr, err)
	}
	r.logger.Debug("message relayed", "smarthost", addr, "recipients", len(rcpts))
	return nil
}

func (r *SMTPRelay) BounceEmail(ctx context.Context, transport message.Transport, status dsn.Status) error {
	if transport.MailFrom.IsNull() || transport.Bounced {
		r.logger.Warn("suppressing bounce of a bounce",
			"transport", transport,
			"status", status.String())
		return nil
	}

	eml, err := composeBounce(r.config.Domain, transport, status)
	if err != nil {
		return fmt.Errorf("composing bounce: %w", err)
	}

	null := message.Address{}
	if err := r.SendEmail(ctx, null, []message.Address{transport.MailFrom}, eml); err != nil {
		return err
	}
	r.logger.Info("bounce sent",
		"to", transport.MailFrom.Original,
		"status", status.String())
	return nil
}

// composeBounce builds a plain-text non-delivery report.
func composeBounce(domain string, transport message.Transport, status dsn.Status) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{
		Name:    "Mail Delivery System",
		Address: "mailer-daemon@" + domain,
	}})
	h.SetAddressList("To", []*mail.Address{{Address: transport.MailFrom.Original}})
	h.SetSubject("Mail delivery failed: returning message to sender")
	if transport.MessageID != "" {
		h.Set("In-Reply-To", "<"+transport.MessageID+">")
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(w, "This message was created automatically by the mail delivery system.\r\n\r\n")
	fmt.Fprintf(w, "A message you sent could not be delivered to its recipients:\r\n\r\n")
	for _, rcpt := range transport.Recipients() {
		fmt.Fprintf(w, "  %s\r\n", rcpt.Original)
	}
	fmt.Fprintf(w, "\r\nReason: %s\r\n", status.String())

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
