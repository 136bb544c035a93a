package delivery

import (
	"context"
	"errors"
	"fmt"

	"sunsetsmail/internal/config"
	"sunsetsmail/internal/dkim"
)

// ErrUnknownTransport is returned by New when cfg.Transport names no transport.
var ErrUnknownTransport = errors.New("unknown mail transport")

// New builds the transport selected by cfg.Transport. A *ConfigurationError
// means the selected transport lacks required settings; callers may run
// without a transport and let every job fail with that error. Any other
// error, ErrUnknownTransport included, is fatal.
func New(ctx context.Context, cfg config.Config, signer *dkim.Signer) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch cfg.Transport {
	case config.TransportSMTP, "":
		var s *SMTPTransport
		s, err = NewSMTP(cfg.SMTP, signer)
		if err == nil {
			t = s
		}
	case config.TransportSES:
		var s *SESTransport
		s, err = NewSES(ctx, cfg.SES, cfg.SMTP.From)
		if err == nil {
			t = s
		}
	case config.TransportResend:
		var r *ResendTransport
		r, err = NewResend(cfg.Resend, cfg.SMTP.From)
		if err == nil {
			t = r
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(t, cfg.SMTP.SendTimeout), nil
}
