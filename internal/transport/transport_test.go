package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// exchange sends three frames a→b and echoes them back.
func exchange(t *testing.T, a, b Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	frames := [][]byte{[]byte("first"), {}, make([]byte, 70_000)}
	var g errgroup.Group
	g.Go(func() error {
		for range frames {
			f, err := b.Receive(ctx)
			if err != nil {
				return err
			}
			if err := b.Send(ctx, f); err != nil {
				return err
			}
		}
		return nil
	})
	for _, f := range frames {
		require.NoError(t, a.Send(ctx, f))
		got, err := a.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(f), len(got))
		assert.Equal(t, string(f), string(got))
	}
	require.NoError(t, g.Wait())
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	exchange(t, a, b)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("last words")))
	require.NoError(t, a.Close())

	got, err := b.Receive(ctx)
	require.NoError(t, err, "queued frames survive close")
	assert.Equal(t, "last words", string(got))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte("x")), ErrClosed)
}

func TestPipeReceiveHonoursContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream(t *testing.T) {
	c1, c2 := net.Pipe()
	a, b := NewStream(c1), NewStream(c2)
	exchange(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a deadline from one call must not leak into the next
	done := make(chan error, 1)
	go func() { done <- b.Send(context.Background(), []byte("late")) }()
	got, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
	require.NoError(t, <-done)

	require.NoError(t, b.Close())
	_, err = a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamRejectsOversizedFrame(t *testing.T) {
	c1, c2 := net.Pipe()
	a, b := NewStream(c1), NewStream(c2)
	defer a.Close()
	defer b.Close()

	assert.ErrorIs(t, a.Send(context.Background(), make([]byte, MaxFrame+1)), ErrFrameTooLarge)

	// a peer announcing a huge frame is refused before allocation
	go func() { _, _ = c2.Write([]byte{0xff, 0xff, 0xff, 0xff}) }()
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	srvCfg, err := LoadTLSConfig(certFile, keyFile, certFile, true)
	require.NoError(t, err)
	cliCfg, err := LoadTLSConfig(certFile, keyFile, certFile, false)
	require.NoError(t, err)

	ln, err := ListenTLS("127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- s
	}()

	a, err := DialTLS(ctx, ln.Addr().String(), cliCfg)
	require.NoError(t, err)
	defer a.Close()
	b, ok := <-accepted
	require.True(t, ok, "accept failed")
	defer b.Close()

	exchange(t, a, b)

	_, err = LoadTLSConfig("", "", certFile, true)
	assert.Error(t, err, "server without certificate")
}

func TestWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(c)
		defer ws.Close()
		for {
			f, err := ws.Receive(r.Context())
			if err != nil {
				return
			}
			if err := ws.Send(r.Context(), f); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	for _, msg := range []string{"ping", "pong"} {
		require.NoError(t, ws.Send(ctx, []byte(msg)))
		got, err := ws.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
}

// writeSelfSigned writes a self-signed certificate usable as server, client and CA.
func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "battleship-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
