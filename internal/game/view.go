package game

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// OpponentView is the shooter's picture of the opponent board: which cells were
// targeted, which of them were hits, and which ships are known sunk.
type OpponentView struct {
	targeted *bitset.BitSet
	hits     *bitset.BitSet
	sunk     []ShipID
	shots    int
}

func NewOpponentView() *OpponentView {
	return &OpponentView{
		targeted: bitset.New(Cells),
		hits:     bitset.New(Cells),
	}
}

func (v *OpponentView) Targeted(c Coord) bool {
	return c.InBounds() && v.targeted.Test(uint(c.Index()))
}

func (v *OpponentView) IsHit(c Coord) bool {
	return c.InBounds() && v.hits.Test(uint(c.Index()))
}

// Record applies a verified result.
func (v *OpponentView) Record(c Coord, r ShotResult) {
	if !c.InBounds() {
		return
	}
	v.shots++
	v.targeted.Set(uint(c.Index()))
	if r.Kind == Hit || r.Kind == Sunk {
		v.hits.Set(uint(c.Index()))
	}
	if r.Kind == Sunk {
		v.sunk = append(v.sunk, r.Ship)
	}
}

func (v *OpponentView) Shots() int { return v.shots }

func (v *OpponentView) Hits() int { return int(v.hits.Count()) }

func (v *OpponentView) Sunk() []ShipID { return append([]ShipID(nil), v.sunk...) }

// Remaining lists untargeted cells in row-major order.
func (v *OpponentView) Remaining() []Coord {
	out := make([]Coord, 0, Cells-int(v.targeted.Count()))
	for i := 0; i < Cells; i++ {
		if !v.targeted.Test(uint(i)) {
			out = append(out, Coord{Row: uint8(i / BoardSize), Col: uint8(i % BoardSize)})
		}
	}
	return out
}

// Render draws the view: '.' unknown, 'o' miss, 'X' hit.
func (v *OpponentView) Render() string {
	var sb strings.Builder
	writeHeader(&sb)
	for r := 0; r < BoardSize; r++ {
		sb.WriteByte(byte('0' + r))
		for c := 0; c < BoardSize; c++ {
			cell := Coord{Row: uint8(r), Col: uint8(c)}
			ch := byte('.')
			switch {
			case v.IsHit(cell):
				ch = 'X'
			case v.Targeted(cell):
				ch = 'o'
			}
			sb.WriteByte(' ')
			sb.WriteByte(ch)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Render draws the player's own board. Ships show as 'S' only when reveal is set.
func (b *Board) Render(reveal bool) string {
	occ := b.Occupancy()
	var sb strings.Builder
	writeHeader(&sb)
	for r := 0; r < BoardSize; r++ {
		sb.WriteByte(byte('0' + r))
		for c := 0; c < BoardSize; c++ {
			ch := byte('.')
			switch b.Marks[r][c] {
			case MarkHit:
				ch = 'X'
			case MarkMiss:
				ch = 'o'
			default:
				if reveal && occ[r][c] != 0 {
					ch = 'S'
				}
			}
			sb.WriteByte(' ')
			sb.WriteByte(ch)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func writeHeader(sb *strings.Builder) {
	sb.WriteByte(' ')
	for c := 0; c < BoardSize; c++ {
		sb.WriteByte(' ')
		sb.WriteByte(byte('0' + c))
	}
	sb.WriteByte('\n')
}
