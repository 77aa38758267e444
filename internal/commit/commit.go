// Package commit turns a board into a salted, fixed-size digest and tracks the
// trusted digest of both boards in a match.
//
// Canonical encoding, version 1. The digest is MiMC (bn254) over the field elements
//
//	[EncodingVersion, salt, chunk0, chunk1]
//
// where cell i = row*10+col contributes the nibble occupant | mark<<3
// (occupant = ship id or 0, mark = 1 once the cell was shot) at bit offset
// 4*(i mod 50) of chunk i/50. The round circuit recomputes the same value, so
// any change here must bump EncodingVersion and regenerate keys.
package commit

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"battleship-p2p/internal/game"
)

const (
	EncodingVersion = 1
	CellsPerChunk   = 50
	Chunks          = game.Cells / CellsPerChunk
	MarkShift       = 3
)

var ErrCommitmentMismatch = errors.New("commitment mismatch")

// Commitment is a MiMC digest; always a canonical bn254 scalar.
type Commitment [32]byte

func (c Commitment) String() string { return "0x" + hex.EncodeToString(c[:]) }

func (c Commitment) IsZero() bool { return c == Commitment{} }

func (c Commitment) BigInt() *big.Int { return new(big.Int).SetBytes(c[:]) }

// Canonical reports whether c is a reduced bn254 scalar. MiMC only produces
// canonical digests; any other value is an alias of one.
func (c Commitment) Canonical() bool { return c.BigInt().Cmp(fr.Modulus()) < 0 }

func (c Commitment) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Commitment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCommitment(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func ParseCommitment(s string) (Commitment, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Commitment{}, fmt.Errorf("invalid commitment hex: %w", err)
	}
	if len(b) != 32 {
		return Commitment{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var c Commitment
	copy(c[:], b)
	if !c.Canonical() {
		return Commitment{}, errors.New("value is not a canonical field element")
	}
	return c, nil
}

// Salt keeps equal boards from committing to equal digests.
type Salt [32]byte

func NewSalt() (Salt, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return Salt{}, err
	}
	return Salt(e.Bytes()), nil
}

func (s Salt) BigInt() *big.Int { return new(big.Int).SetBytes(s[:]) }

func (s Salt) valid() bool { return Commitment(s).Canonical() }

func (s Salt) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(s[:]))
}

func (s *Salt) UnmarshalJSON(data []byte) error {
	c := (*Commitment)(s)
	return c.UnmarshalJSON(data)
}

// Secret is everything needed to open a commitment. It never leaves its owner.
type Secret struct {
	Board game.Board `json:"board"`
	Salt  Salt       `json:"salt"`
}

func NewSecret(b game.Board) (Secret, error) {
	if err := b.Validate(); err != nil {
		return Secret{}, err
	}
	salt, err := NewSalt()
	if err != nil {
		return Secret{}, err
	}
	return Secret{Board: b, Salt: salt}, nil
}

// CellValues returns per-cell occupant and mark in row-major order.
func CellValues(b game.Board) (occ, mark [game.Cells]uint8) {
	o := b.Occupancy()
	for r := 0; r < game.BoardSize; r++ {
		for c := 0; c < game.BoardSize; c++ {
			i := r*game.BoardSize + c
			occ[i] = uint8(o[r][c])
			if b.Marks[r][c] != game.Unmarked {
				mark[i] = 1
			}
		}
	}
	return occ, mark
}

// PackChunks packs cell nibbles into Chunks field elements.
func PackChunks(occ, mark [game.Cells]uint8) [Chunks]*big.Int {
	var out [Chunks]*big.Int
	for j := 0; j < Chunks; j++ {
		acc := new(big.Int)
		for k := CellsPerChunk - 1; k >= 0; k-- {
			i := j*CellsPerChunk + k
			acc.Lsh(acc, 4)
			acc.Or(acc, big.NewInt(int64(occ[i]|mark[i]<<MarkShift)))
		}
		out[j] = acc
	}
	return out
}

// Commit computes the digest of sec. Boards that fail validation are rejected.
func Commit(sec Secret) (Commitment, error) {
	if err := sec.Board.Validate(); err != nil {
		return Commitment{}, err
	}
	if !sec.Salt.valid() {
		return Commitment{}, errors.New("salt is not a canonical field element")
	}
	occ, mark := CellValues(sec.Board)
	return DigestCells(sec.Salt, occ, mark)
}

// DigestCells hashes raw cell values without checking that they form a legal
// board. Commit is the checked entry point.
func DigestCells(salt Salt, occ, mark [game.Cells]uint8) (Commitment, error) {
	chunks := PackChunks(occ, mark)
	elems := []*big.Int{big.NewInt(EncodingVersion), salt.BigInt()}
	elems = append(elems, chunks[:]...)
	return hashElements(elems...)
}
