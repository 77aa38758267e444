// Package channel authenticates and orders envelopes between two peers.
//
// The handshake exchanges ephemeral X25519 keys at seq 0. Both sides derive
// a 32-byte secret with HKDF-SHA256 over the shared point, salted with the
// match id and bound to both public keys and the chosen first shooter. Every
// later envelope carries an HMAC-SHA256 token over its canonical encoding and
// must arrive with exactly the next expected sequence number.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/transport"
)

var (
	ErrAuth      = errors.New("envelope authentication failed")
	ErrSequence  = errors.New("envelope out of sequence")
	ErrHandshake = errors.New("handshake failed")
)

const kdfInfo = "battleship-channel-v1"

type Options struct {
	// FirstShooter is decided by the initiator; ignored on Accept.
	FirstShooter codec.Role
	// MatchID is the id the initiator dials under, usually one the host
	// registered ahead of time. Nil picks a fresh one. Ignored on Accept.
	MatchID uuid.UUID
	// Rand defaults to crypto/rand.
	Rand io.Reader
	Log  zerolog.Logger
}

// Channel is an established, authenticated link. Safe for concurrent use,
// though a match drives it from a single goroutine.
type Channel struct {
	mu           sync.Mutex
	conn         transport.Conn
	matchID      uuid.UUID
	role         codec.Role
	firstShooter codec.Role
	secret       [32]byte
	localSeq     uint64
	remoteSeq    uint64
	log          zerolog.Logger
}

func handshakeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshake, fmt.Sprintf(format, args...))
}

func newKeyPair(r io.Reader) (priv, pub []byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func deriveSecret(priv, peerPub []byte, matchID uuid.UUID, initPub, respPub []byte, first codec.Role) ([32]byte, error) {
	var secret [32]byte
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return secret, handshakeErr("key agreement: %v", err)
	}
	info := make([]byte, 0, len(kdfInfo)+len(initPub)+len(respPub)+1)
	info = append(info, kdfInfo...)
	info = append(info, initPub...)
	info = append(info, respPub...)
	info = append(info, byte(first))

	hk := hkdf.New(sha256.New, shared, matchID[:], info)
	if _, err := io.ReadFull(hk, secret[:]); err != nil {
		return secret, handshakeErr("deriving secret: %v", err)
	}
	return secret, nil
}

func sendRaw(ctx context.Context, conn transport.Conn, env *codec.Envelope) error {
	raw, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(ctx, raw)
}

func receiveRaw(ctx context.Context, conn transport.Conn) (*codec.Envelope, error) {
	raw, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return codec.Decode(raw)
}

func checkKeyExchange(env *codec.Envelope) error {
	if env.Payload.Kind != codec.KindKeyExchange {
		return handshakeErr("expected key exchange, got %s", env.Payload.Kind)
	}
	if env.Seq != 0 || env.AuthToken != "" {
		return handshakeErr("key exchange must be unauthenticated at seq 0")
	}
	if env.MatchID == uuid.Nil {
		return handshakeErr("missing match id")
	}
	return nil
}

// ReadHello receives the initiator's opening key exchange. Servers use it to
// route a connection by match id before calling Accept.
func ReadHello(ctx context.Context, conn transport.Conn) (*codec.Envelope, error) {
	env, err := receiveRaw(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := checkKeyExchange(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Dial runs the initiator side of the handshake under opts.MatchID or a fresh match id.
func Dial(ctx context.Context, conn transport.Conn, opts Options) (*Channel, error) {
	if opts.FirstShooter > codec.RoleResponder {
		return nil, handshakeErr("unknown first shooter %d", opts.FirstShooter)
	}
	priv, pub, err := newKeyPair(opts.Rand)
	if err != nil {
		return nil, handshakeErr("%v", err)
	}
	matchID := opts.MatchID
	if matchID == uuid.Nil {
		matchID = uuid.New()
	}
	hello := &codec.Envelope{MatchID: matchID, Payload: codec.NewKeyExchange(pub, opts.FirstShooter)}
	if err := sendRaw(ctx, conn, hello); err != nil {
		return nil, err
	}

	reply, err := receiveRaw(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := checkKeyExchange(reply); err != nil {
		return nil, err
	}
	if reply.MatchID != matchID {
		return nil, handshakeErr("reply for match %s, expected %s", reply.MatchID, matchID)
	}
	if reply.Payload.KeyExchange.FirstShooter != opts.FirstShooter {
		return nil, handshakeErr("peer disagrees on the first shooter")
	}

	peerPub := reply.Payload.KeyExchange.PublicKey
	secret, err := deriveSecret(priv, peerPub, matchID, pub, peerPub, opts.FirstShooter)
	if err != nil {
		return nil, err
	}
	return newChannel(conn, matchID, codec.RoleInitiator, opts, secret), nil
}

// Accept runs the responder side. hello is the initiator's key exchange if
// the caller already read it, or nil to read it here.
func Accept(ctx context.Context, conn transport.Conn, hello *codec.Envelope, opts Options) (*Channel, error) {
	if hello == nil {
		var err error
		if hello, err = ReadHello(ctx, conn); err != nil {
			return nil, err
		}
	} else if err := checkKeyExchange(hello); err != nil {
		return nil, err
	}

	priv, pub, err := newKeyPair(opts.Rand)
	if err != nil {
		return nil, handshakeErr("%v", err)
	}
	kx := hello.Payload.KeyExchange
	reply := &codec.Envelope{MatchID: hello.MatchID, Payload: codec.NewKeyExchange(pub, kx.FirstShooter)}

	secret, err := deriveSecret(priv, kx.PublicKey, hello.MatchID, kx.PublicKey, pub, kx.FirstShooter)
	if err != nil {
		return nil, err
	}
	if err := sendRaw(ctx, conn, reply); err != nil {
		return nil, err
	}
	opts.FirstShooter = kx.FirstShooter
	return newChannel(conn, hello.MatchID, codec.RoleResponder, opts, secret), nil
}

func newChannel(conn transport.Conn, matchID uuid.UUID, role codec.Role, opts Options, secret [32]byte) *Channel {
	c := &Channel{
		conn:         conn,
		matchID:      matchID,
		role:         role,
		firstShooter: opts.FirstShooter,
		secret:       secret,
		localSeq:     1,
		remoteSeq:    1,
		log:          opts.Log.With().Str("match", matchID.String()).Stringer("role", role).Logger(),
	}
	c.log.Debug().Stringer("first_shooter", c.firstShooter).Msg("channel established")
	return c
}

func (c *Channel) MatchID() uuid.UUID { return c.matchID }

func (c *Channel) Role() codec.Role { return c.role }

func (c *Channel) FirstShooter() codec.Role { return c.firstShooter }

func (c *Channel) token(seq uint64, p codec.Payload) ([]byte, error) {
	msg, err := codec.SigningBytes(c.matchID, seq, p)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// Seal wraps p in an authenticated envelope with the next local sequence number.
func (c *Channel) Seal(p codec.Payload) (*codec.Envelope, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.localSeq
	tok, err := c.token(seq, p)
	if err != nil {
		return nil, err
	}
	c.localSeq++
	return &codec.Envelope{MatchID: c.matchID, Seq: seq, Payload: p, AuthToken: hex.EncodeToString(tok)}, nil
}

// Open authenticates env and checks it is the next expected one. The token is
// checked before the sequence number; a rejected envelope changes nothing.
func (c *Channel) Open(env *codec.Envelope) (codec.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.MatchID != c.matchID {
		return codec.Payload{}, fmt.Errorf("%w: envelope for match %s", ErrAuth, env.MatchID)
	}
	got, err := hex.DecodeString(env.AuthToken)
	if err != nil {
		return codec.Payload{}, fmt.Errorf("%w: malformed token", ErrAuth)
	}
	want, err := c.token(env.Seq, env.Payload)
	if err != nil {
		return codec.Payload{}, err
	}
	if !hmac.Equal(got, want) {
		return codec.Payload{}, fmt.Errorf("%w: seq %d", ErrAuth, env.Seq)
	}
	if env.Seq != c.remoteSeq {
		return codec.Payload{}, fmt.Errorf("%w: got %d, expected %d", ErrSequence, env.Seq, c.remoteSeq)
	}
	c.remoteSeq++
	return env.Payload, nil
}

// Send seals p and writes it to the transport.
func (c *Channel) Send(ctx context.Context, p codec.Payload) error {
	env, err := c.Seal(p)
	if err != nil {
		return err
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if err := c.conn.Send(ctx, raw); err != nil {
		return err
	}
	c.log.Trace().Uint64("seq", env.Seq).Str("kind", string(p.Kind)).Msg("sent")
	return nil
}

// Receive reads the next envelope from the transport and opens it.
func (c *Channel) Receive(ctx context.Context) (codec.Payload, error) {
	raw, err := c.conn.Receive(ctx)
	if err != nil {
		return codec.Payload{}, err
	}
	env, err := codec.Decode(raw)
	if err != nil {
		return codec.Payload{}, err
	}
	p, err := c.Open(env)
	if err != nil {
		return codec.Payload{}, err
	}
	c.log.Trace().Uint64("seq", env.Seq).Str("kind", string(p.Kind)).Msg("received")
	return p, nil
}

// Close closes the underlying transport.
func (c *Channel) Close() error { return c.conn.Close() }
