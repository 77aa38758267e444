package game

import (
	"errors"
	"fmt"
	"strings"
)

// Fleet is the public shape of a board: Fleet[id-1] is the size of ship id,
// 0 when the board has no such ship. Players announce it with their
// commitment and every round proof is bound to it.
type Fleet [MaxShips]uint8

// StandardFleet is carrier 5, battleship 4, cruiser 3, submarine 3, destroyer 2.
func StandardFleet() Fleet {
	var f Fleet
	for _, s := range standardFleet {
		f[s.ID-1] = s.Size
	}
	return f
}

func (f Fleet) Validate() error {
	if f.Cells() == 0 {
		return errors.New("fleet has no ships")
	}
	for i, size := range f {
		if size > MaxShipSize {
			return fmt.Errorf("%s has size %d, max %d", ShipID(i+1), size, MaxShipSize)
		}
	}
	return nil
}

// Cells is the number of board cells the fleet occupies.
func (f Fleet) Cells() int {
	n := 0
	for _, size := range f {
		n += int(size)
	}
	return n
}

func (f Fleet) String() string {
	var parts []string
	for i, size := range f {
		if size != 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", ShipID(i+1), size))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}
