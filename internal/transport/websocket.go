package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocket carries one frame per binary message.
type WebSocket struct {
	c *websocket.Conn
}

var _ Conn = (*WebSocket)(nil)

func NewWebSocket(c *websocket.Conn) *WebSocket {
	c.SetReadLimit(MaxFrame)
	return &WebSocket{c: c}
}

// DialWebSocket opens a match connection at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, cfg *tls.Config) (*WebSocket, error) {
	var opts websocket.DialOptions
	if cfg != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	}
	c, _, err := websocket.Dial(ctx, url, &opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(c), nil
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := checkFrame(len(frame)); err != nil {
		return err
	}
	if err := w.c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return wrapWSErr(ctx, "writing message", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, wrapWSErr(ctx, "reading message", err)
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected %v message", typ)
	}
	return data, nil
}

func (w *WebSocket) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func wrapWSErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if websocket.CloseStatus(err) != -1 {
		return fmt.Errorf("%s: %w: %v", op, ErrClosed, err)
	}
	return wrapNetErr(ctx, op, err)
}
