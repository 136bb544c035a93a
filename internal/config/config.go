package config

import (
	"os"
)

const defaultHostname = "localhost"

// Hostname returns the name the worker announces in EHLO.
// Preference order: SMTP_HELO env var, system hostname, fallback.
func Hostname() string {
	if env := os.Getenv("SMTP_HELO"); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}
