package delivery

import (
	"context"
	"time"
)

type timeoutTransport struct {
	next Transport
	d    time.Duration
}

// WithTimeout bounds each send on t to d. A send that has not returned in
// time yields a *TimeoutError and its context is cancelled; transports that
// ignore the context may still finish in the background. d <= 0 returns t
// unchanged.
func WithTimeout(t Transport, d time.Duration) Transport {
	if t == nil || d <= 0 {
		return t
	}
	return &timeoutTransport{next: t, d: d}
}

func (t *timeoutTransport) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- t.next.Send(ctx, msg) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{
			After: t.d,
			Err:   &TransportError{Transport: "timeout", Op: "send", Err: ctx.Err()},
		}
	}
}
