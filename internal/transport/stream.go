package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Stream frames messages over a byte stream: a 4-byte big-endian length
// followed by the payload.
type Stream struct {
	conn net.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
}

var _ Conn = (*Stream)(nil)

func NewStream(c net.Conn) *Stream { return &Stream{conn: c} }

// RemoteAddr is the peer's network address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if err := checkFrame(len(frame)); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	defer bindDeadline(ctx, s.conn.SetWriteDeadline)()

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := s.conn.Write(buf); err != nil {
		return wrapNetErr(ctx, "writing frame", err)
	}
	return nil
}

func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	defer bindDeadline(ctx, s.conn.SetReadDeadline)()

	var hdr [4]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, wrapNetErr(ctx, "reading frame length", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := checkFrame(int(n)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return nil, wrapNetErr(ctx, "reading frame data", err)
	}
	return buf, nil
}

func (s *Stream) Close() error { return s.conn.Close() }

// bindDeadline maps ctx onto a connection deadline and returns a func that clears it.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	d, _ := ctx.Deadline()
	_ = set(d)
	stop := context.AfterFunc(ctx, func() { _ = set(time.Unix(1, 0)) })
	return func() {
		if stop() {
			_ = set(time.Time{})
		}
	}
}

func wrapNetErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w: %v", op, ErrClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
