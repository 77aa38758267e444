package game

import (
	"errors"
	"fmt"
	"math/rand"
)

const (
	BoardSize   = 10
	Cells       = BoardSize * BoardSize
	MaxShips    = 5
	MaxShipSize = 5
)

// ShipID identifies a ship on one board. 0 is water.
type ShipID uint8

const (
	Carrier ShipID = iota + 1
	Battleship
	Cruiser
	Submarine
	Destroyer
)

var shipNames = [...]string{"water", "carrier", "battleship", "cruiser", "submarine", "destroyer"}

func (id ShipID) String() string {
	if int(id) < len(shipNames) {
		return shipNames[id]
	}
	return fmt.Sprintf("ship(%d)", uint8(id))
}

// standard fleet, total 17 cells
var standardFleet = []struct {
	ID   ShipID
	Size uint8
}{{Carrier, 5}, {Battleship, 4}, {Cruiser, 3}, {Submarine, 3}, {Destroyer, 2}}

type Orientation uint8

const (
	Horizontal Orientation = iota
	Vertical
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Coord is a cell on the board. A Shot is the coordinate being fired at.
type Coord struct {
	Row uint8 `json:"row"`
	Col uint8 `json:"col"`
}

type Shot = Coord

func (c Coord) InBounds() bool { return c.Row < BoardSize && c.Col < BoardSize }

// Index is the row-major cell index used by the commitment encoding.
func (c Coord) Index() int { return int(c.Row)*BoardSize + int(c.Col) }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.Row, c.Col) }

type Ship struct {
	ID          ShipID      `json:"id"`
	Size        uint8       `json:"size"`
	Row         uint8       `json:"row"`
	Col         uint8       `json:"col"`
	Orientation Orientation `json:"orientation"`
}

// Cells lists the coordinates the ship covers, bow first. Coordinates may be
// off-board for an invalid ship; Validate rejects those.
func (s Ship) Cells() []Coord {
	out := make([]Coord, 0, s.Size)
	for i := uint8(0); i < s.Size; i++ {
		c := Coord{Row: s.Row, Col: s.Col}
		if s.Orientation == Vertical {
			c.Row += i
		} else {
			c.Col += i
		}
		out = append(out, c)
	}
	return out
}

type Mark uint8

const (
	Unmarked Mark = iota
	MarkMiss
	MarkHit
)

// Board is one player's private layout plus the marks left by the opponent's shots.
type Board struct {
	Ships []Ship                     `json:"ships"`
	Marks [BoardSize][BoardSize]Mark `json:"marks"`
}

func (b *Board) Validate() error {
	if len(b.Ships) == 0 {
		return errors.New("board has no ships")
	}
	if len(b.Ships) > MaxShips {
		return fmt.Errorf("board has %d ships, max %d", len(b.Ships), MaxShips)
	}
	var occ [BoardSize][BoardSize]ShipID
	seen := make(map[ShipID]bool, len(b.Ships))
	for _, s := range b.Ships {
		if s.ID == 0 || s.ID > MaxShips {
			return fmt.Errorf("ship id %d out of range", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate ship %s", s.ID)
		}
		seen[s.ID] = true
		if s.Row >= BoardSize || s.Col >= BoardSize {
			return fmt.Errorf("%s starts off the board", s.ID)
		}
		if s.Size == 0 || s.Size > MaxShipSize {
			return fmt.Errorf("%s has invalid size %d (1..%d)", s.ID, s.Size, MaxShipSize)
		}
		if s.Orientation != Horizontal && s.Orientation != Vertical {
			return fmt.Errorf("%s has invalid orientation", s.ID)
		}
		for _, c := range s.Cells() {
			if !c.InBounds() {
				return fmt.Errorf("%s leaves the board at %s", s.ID, c)
			}
			if occ[c.Row][c.Col] != 0 {
				return fmt.Errorf("%s overlaps %s at %s", s.ID, occ[c.Row][c.Col], c)
			}
			occ[c.Row][c.Col] = s.ID
		}
	}
	for r := 0; r < BoardSize; r++ {
		for c := 0; c < BoardSize; c++ {
			switch m := b.Marks[r][c]; {
			case m > MarkHit:
				return fmt.Errorf("invalid mark at (%d,%d)", r, c)
			case m == MarkHit && occ[r][c] == 0, m == MarkMiss && occ[r][c] != 0:
				return fmt.Errorf("mark at (%d,%d) disagrees with layout", r, c)
			}
		}
	}
	return nil
}

// Fleet lists the ship sizes of b by identity.
func (b *Board) Fleet() Fleet {
	var f Fleet
	for _, s := range b.Ships {
		if s.ID >= 1 && s.ID <= MaxShips {
			f[s.ID-1] = s.Size
		}
	}
	return f
}

// Occupancy maps every cell to the ship covering it (0 = water).
func (b *Board) Occupancy() [BoardSize][BoardSize]ShipID {
	var occ [BoardSize][BoardSize]ShipID
	for _, s := range b.Ships {
		for _, c := range s.Cells() {
			if c.InBounds() {
				occ[c.Row][c.Col] = s.ID
			}
		}
	}
	return occ
}

func (b *Board) Marked(c Coord) bool { return b.Marks[c.Row][c.Col] != Unmarked }

func (b *Board) IsSunk(id ShipID) bool {
	for _, s := range b.Ships {
		if s.ID != id {
			continue
		}
		for _, c := range s.Cells() {
			if b.Marks[c.Row][c.Col] != MarkHit {
				return false
			}
		}
		return true
	}
	return false
}

// FleetDestroyed reports whether every ship cell has been hit.
func (b *Board) FleetDestroyed() bool {
	for _, s := range b.Ships {
		if !b.IsSunk(s.ID) {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares nothing with b.
func (b Board) Clone() Board {
	out := b
	out.Ships = append([]Ship(nil), b.Ships...)
	return out
}

// GenerateRandomBoard places the standard fleet without overlap (no adjacency rule).
func GenerateRandomBoard(rng *rand.Rand) (Board, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	var b Board
	var occ [BoardSize][BoardSize]bool
	tries := 0
	for _, f := range standardFleet {
		for {
			if tries > 10000 {
				return Board{}, errors.New("failed to place ships")
			}
			tries++
			s := Ship{
				ID: f.ID, Size: f.Size,
				Row: uint8(rng.Intn(BoardSize)), Col: uint8(rng.Intn(BoardSize)),
				Orientation: Orientation(rng.Intn(2)),
			}
			cells := s.Cells()
			ok := true
			for _, c := range cells {
				if !c.InBounds() || occ[c.Row][c.Col] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			for _, c := range cells {
				occ[c.Row][c.Col] = true
			}
			b.Ships = append(b.Ships, s)
			break
		}
	}
	return b, nil
}
