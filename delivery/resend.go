package delivery

import (
	"context"
	"time"

	"github.com/resend/resend-go/v2"

	"sunsetsmail/internal/config"
	"sunsetsmail/internal/metrics"
)

const resendName = "resend"

// resendAPI is the subset of resend.EmailsSvc used by ResendTransport.
type resendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendTransport sends messages through the Resend HTTP API.
type ResendTransport struct {
	emails resendAPI
	from   string
}

// NewResend builds a Resend transport. An API key is required.
func NewResend(cfg config.Resend, from string) (*ResendTransport, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Transport: resendName, Reason: "RESEND_API_KEY is required"}
	}
	return newResendTransport(resend.NewClient(cfg.APIKey).Emails, from), nil
}

func newResendTransport(emails resendAPI, from string) *ResendTransport {
	if from == "" {
		from = config.DefaultFrom
	}
	return &ResendTransport{emails: emails, from: from}
}

// Send submits msg to the Resend API.
func (t *ResendTransport) Send(ctx context.Context, msg Message) error {
	if t == nil || t.emails == nil {
		return &ConfigurationError{Transport: resendName, Reason: "client was not constructed"}
	}
	if err := validate(resendName, msg); err != nil {
		return err
	}
	defer metrics.ObserveSend(resendName, time.Now())

	params := &resend.SendEmailRequest{
		From:    sender(msg, t.from),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := t.emails.SendWithContext(ctx, params); err != nil {
		return &TransportError{Transport: resendName, Op: "send", Err: err}
	}
	return nil
}
