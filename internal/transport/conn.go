// Package transport moves opaque frames between two peers. Implementations
// preserve frame boundaries and order; they add no authentication of their own
// beyond what the underlying TLS connection provides.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// MaxFrame bounds a single frame. A receipt for one round is far below it.
const MaxFrame = 16 << 20

var (
	ErrClosed        = errors.New("transport closed")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Conn is a bidirectional, ordered frame connection. Send and Receive may be
// called concurrently with each other, but not with themselves.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

func checkFrame(n int) error {
	if n > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return nil
}
