package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"sunsetsmail/internal/config"
	"sunsetsmail/internal/dkim"
	"sunsetsmail/internal/email"
	"sunsetsmail/internal/metrics"
	"sunsetsmail/tlsconfig"
)

const smtpName = "smtp"

// SMTPTransport relays messages through an authenticated SMTP server.
// Each send opens its own connection.
type SMTPTransport struct {
	host      string
	port      int
	user      string
	password  string
	secure    bool
	localName string
	from      string
	tls       *tls.Config
	signer    *dkim.Signer
}

// NewSMTP builds the relay transport. Host and user are required.
func NewSMTP(cfg config.SMTP, signer *dkim.Signer) (*SMTPTransport, error) {
	if !cfg.Configured() {
		return nil, &ConfigurationError{Transport: smtpName, Reason: "SMTP_HOST and SMTP_USER are required"}
	}
	from := cfg.From
	if from == "" {
		from = config.DefaultFrom
	}
	return &SMTPTransport{
		host:      cfg.Host,
		port:      cfg.Port,
		user:      cfg.User,
		password:  cfg.Password,
		secure:    cfg.Secure,
		localName: cfg.HeloName,
		from:      from,
		tls:       tlsconfig.ForHost(cfg.Host, cfg.InsecureSkipVerify),
		signer:    signer,
	}, nil
}

// Send renders msg, signs it when DKIM is configured and hands it to the relay.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if t == nil {
		return &ConfigurationError{Transport: smtpName, Reason: "transport was not constructed"}
	}
	if err := validate(smtpName, msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Transport: smtpName, Op: "dial", Err: err}
	}
	defer metrics.ObserveSend(smtpName, time.Now())

	from := sender(msg, t.from)
	envelopeFrom, err := bareAddress(from)
	if err != nil {
		return &TransportError{Transport: smtpName, Op: "from", Err: err}
	}
	envelopeTo, err := bareAddress(msg.To)
	if err != nil {
		return &TransportError{Transport: smtpName, Op: "rcpt", Err: err}
	}

	raw, err := t.render(msg, from, envelopeFrom)
	if err != nil {
		return &TransportError{Transport: smtpName, Op: "render", Err: err}
	}

	// A fresh dialer per send: gomail caches the negotiated auth on the dialer.
	d := gomail.NewDialer(t.host, t.port, t.user, t.password)
	d.SSL = t.secure
	d.TLSConfig = t.tls
	d.LocalName = t.localName

	sc, err := d.Dial()
	if err != nil {
		return &TransportError{Transport: smtpName, Op: "dial", Err: err}
	}
	if err := sc.Send(envelopeFrom, []string{envelopeTo}, bytes.NewReader(raw)); err != nil {
		_ = sc.Close()
		return &TransportError{Transport: smtpName, Op: "send", Err: err}
	}
	if err := sc.Close(); err != nil {
		return &TransportError{Transport: smtpName, Op: "quit", Err: err}
	}
	return nil
}

func (t *SMTPTransport) render(msg Message, from, envelopeFrom string) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID(envelopeFrom))

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	if t.signer == nil {
		return buf.Bytes(), nil
	}
	return t.signer.Sign(buf.Bytes(), envelopeFrom)
}

func bareAddress(address string) (string, error) {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %q", email.ErrInvalidAddress, address)
	}
	return parsed.Address, nil
}

func messageID(from string) string {
	domain, err := email.Domain(from)
	if err != nil {
		domain = "localhost"
	}
	return "<" + strings.ReplaceAll(uuid.NewString(), "-", "") + "@" + domain + ">"
}
