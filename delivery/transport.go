// Package delivery sends email messages through an outbound mail transport.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoRecipient is wrapped in a TransportError when a message has no "to" address.
var ErrNoRecipient = errors.New("recipient address is required")

// Message is the payload of a sendEmail job.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	From    string `json:"from,omitempty"`
}

// Transport sends one message. Implementations do not retry; a failed send
// is reported to the caller once.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// ConfigurationError means the transport cannot be used at all. It is
// returned before any network I/O.
type ConfigurationError struct {
	Transport string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Transport == "" {
		return "mail transport not configured: " + e.Reason
	}
	return fmt.Sprintf("%s transport not configured: %s", e.Transport, e.Reason)
}

// TransportError reports a failed send. Err carries the relay or API
// message verbatim.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is the TransportError returned when WithTimeout gives up on
// a send. errors.As matches both *TimeoutError and *TransportError.
type TimeoutError struct {
	After time.Duration
	Err   *TransportError
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v (after %s)", e.Err, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Timeout reports true so callers using the net.Error convention see a timeout.
func (e *TimeoutError) Timeout() bool {
	return true
}

func validate(transport string, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return &TransportError{Transport: transport, Op: "validate", Err: ErrNoRecipient}
	}
	return nil
}

func sender(msg Message, fallback string) string {
	if from := strings.TrimSpace(msg.From); from != "" {
		return from
	}
	return fallback
}
