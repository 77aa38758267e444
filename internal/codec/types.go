package codec

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
)

// ProtocolVersion is carried in KeyExchange; peers with a different value are refused.
const ProtocolVersion = 1

const (
	PublicKeySize    = 32
	MaxPlayerName    = 64
	MaxCloseReason   = 256
	MaxReceiptLength = 8 << 20
)

var ErrInvalidPayload = errors.New("invalid payload")

type Kind string

const (
	KindKeyExchange Kind = "key_exchange"
	KindBoardReady  Kind = "board_ready"
	KindShot        Kind = "shot"
	KindRoundProof  Kind = "round_proof"
	KindClose       Kind = "close"
)

// Role is a peer's part in the handshake.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Other returns the peer's role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

func (r Role) MarshalText() ([]byte, error) {
	if r > RoleResponder {
		return nil, fmt.Errorf("unknown role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "initiator":
		*r = RoleInitiator
	case "responder":
		*r = RoleResponder
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

type KeyExchange struct {
	Version      uint16 `json:"version"`
	PublicKey    []byte `json:"public_key"`
	FirstShooter Role   `json:"first_shooter"` // chosen by the initiator, echoed by the responder
}

type BoardReady struct {
	Commitment commit.Commitment `json:"commitment"`
	Fleet      game.Fleet        `json:"fleet"` // ship sizes every round proof must carry
	PlayerName string            `json:"player_name,omitempty"`
}

type Shot struct {
	Row uint8 `json:"row"`
	Col uint8 `json:"col"`
}

func (s Shot) Coord() game.Shot { return game.Shot{Row: s.Row, Col: s.Col} }

type RoundProof struct {
	Receipt []byte          `json:"receipt"` // CBOR-encoded zk.Receipt
	Result  game.ShotResult `json:"result"`
}

type Close struct {
	Reason string `json:"reason"`
}

// Payload is a tagged union: Kind names the single non-nil body.
type Payload struct {
	Kind        Kind         `json:"kind"`
	KeyExchange *KeyExchange `json:"key_exchange,omitempty"`
	BoardReady  *BoardReady  `json:"board_ready,omitempty"`
	Shot        *Shot        `json:"shot,omitempty"`
	RoundProof  *RoundProof  `json:"round_proof,omitempty"`
	Close       *Close       `json:"close,omitempty"`
}

func NewKeyExchange(pub []byte, first Role) Payload {
	return Payload{Kind: KindKeyExchange, KeyExchange: &KeyExchange{
		Version: ProtocolVersion, PublicKey: pub, FirstShooter: first,
	}}
}

func NewBoardReady(c commit.Commitment, fleet game.Fleet, name string) Payload {
	return Payload{Kind: KindBoardReady, BoardReady: &BoardReady{Commitment: c, Fleet: fleet, PlayerName: name}}
}

func NewShot(s game.Shot) Payload {
	return Payload{Kind: KindShot, Shot: &Shot{Row: s.Row, Col: s.Col}}
}

func NewRoundProof(receipt []byte, result game.ShotResult) Payload {
	return Payload{Kind: KindRoundProof, RoundProof: &RoundProof{Receipt: receipt, Result: result}}
}

// NewClose replaces invalid UTF-8 in reason and cuts it to MaxCloseReason
// bytes on a rune boundary.
func NewClose(reason string) Payload {
	reason = strings.ToValidUTF8(reason, "\uFFFD")
	if len(reason) > MaxCloseReason {
		cut := MaxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return Payload{Kind: KindClose, Close: &Close{Reason: reason}}
}

func (p *Payload) bodies() int {
	n := 0
	for _, set := range []bool{
		p.KeyExchange != nil, p.BoardReady != nil, p.Shot != nil, p.RoundProof != nil, p.Close != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Validate checks the union shape and the per-kind limits.
func (p *Payload) Validate() error {
	if p.bodies() != 1 {
		return invalid("%s payload must carry exactly one body", p.Kind)
	}
	switch p.Kind {
	case KindKeyExchange:
		kx := p.KeyExchange
		if kx == nil {
			break
		}
		if kx.Version != ProtocolVersion {
			return invalid("unsupported protocol version %d", kx.Version)
		}
		if len(kx.PublicKey) != PublicKeySize {
			return invalid("public key must be %d bytes", PublicKeySize)
		}
		if kx.FirstShooter > RoleResponder {
			return invalid("unknown first shooter %d", kx.FirstShooter)
		}
		return nil
	case KindBoardReady:
		br := p.BoardReady
		if br == nil {
			break
		}
		if br.Commitment.IsZero() {
			return invalid("zero commitment")
		}
		if !br.Commitment.Canonical() {
			return invalid("commitment is not a canonical field element")
		}
		if err := br.Fleet.Validate(); err != nil {
			return invalid("%v", err)
		}
		if len(br.PlayerName) > MaxPlayerName {
			return invalid("player name longer than %d bytes", MaxPlayerName)
		}
		if !utf8.ValidString(br.PlayerName) {
			return invalid("player name is not valid UTF-8")
		}
		return nil
	case KindShot:
		if p.Shot == nil {
			break
		}
		if !p.Shot.Coord().InBounds() {
			return invalid("shot %s is off the board", p.Shot.Coord())
		}
		return nil
	case KindRoundProof:
		rp := p.RoundProof
		if rp == nil {
			break
		}
		if len(rp.Receipt) == 0 || len(rp.Receipt) > MaxReceiptLength {
			return invalid("receipt size %d", len(rp.Receipt))
		}
		if !rp.Result.Valid() {
			return invalid("malformed result")
		}
		return nil
	case KindClose:
		if p.Close == nil {
			break
		}
		if len(p.Close.Reason) > MaxCloseReason {
			return invalid("close reason longer than %d bytes", MaxCloseReason)
		}
		if !utf8.ValidString(p.Close.Reason) {
			return invalid("close reason is not valid UTF-8")
		}
		return nil
	default:
		return invalid("unknown kind %q", p.Kind)
	}
	return invalid("%s payload has the wrong body", p.Kind)
}
