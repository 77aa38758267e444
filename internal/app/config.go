package app

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/session"
)

const (
	TransportTLS       = "tls"
	TransportWebSocket = "ws"
)

// Config is what the CLI flags resolve to.
type Config struct {
	KeysDir  string
	LogLevel string

	Name      string
	Addr      string // listen address for host/serve, peer address for join
	Transport string // tls or ws
	CertFile  string
	KeyFile   string
	CAFile    string

	BoardFile  string // optional; a random board is generated when empty
	SecretFile string // optional; overrides BoardFile
	Strategy   string
	Seed       int64
	// HostFirst lets the accepting side shoot first (the default).
	HostFirst bool
	// MatchID, when set, is the only match a host accepts and the id a join dials under.
	MatchID string
	// SameFleet refuses opponents whose fleet differs from the own board's.
	SameFleet bool

	ExchangeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeysDir:         "./keys",
		LogLevel:        "info",
		Name:            "player",
		Addr:            "127.0.0.1:7443",
		Transport:       TransportTLS,
		Strategy:        "prompt",
		HostFirst:       true,
		ExchangeTimeout: session.DefaultExchangeTimeout,
	}
}

func (c *Config) Validate() error {
	if c.KeysDir == "" {
		return errors.New("keys directory required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if len(c.Name) > codec.MaxPlayerName {
		return fmt.Errorf("name longer than %d bytes", codec.MaxPlayerName)
	}
	if !utf8.ValidString(c.Name) {
		return errors.New("name is not valid UTF-8")
	}
	if _, err := c.Match(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportTLS, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q (want tls or ws)", c.Transport)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert and key must be given together")
	}
	if c.ExchangeTimeout <= 0 {
		return errors.New("exchange timeout must be positive")
	}
	return nil
}

// FirstShooter is the role the initiator proposes in the handshake.
func (c *Config) FirstShooter() codec.Role {
	if c.HostFirst {
		return codec.RoleResponder
	}
	return codec.RoleInitiator
}

// Match parses MatchID. An empty MatchID is uuid.Nil.
func (c *Config) Match() (uuid.UUID, error) {
	if c.MatchID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.MatchID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("match id: %w", err)
	}
	return id, nil
}
