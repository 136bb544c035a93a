package tlsconfig

import (
	"crypto/tls"
)

// ForHost returns the client TLS settings used for outbound connections to
// the mail relay and the queue store. insecure disables certificate checks
// and is meant for relays with self-signed certificates.
func ForHost(host string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in via SMTP_TLS_INSECURE
	}
}
