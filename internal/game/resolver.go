package game

import (
	"encoding/json"
	"fmt"
)

type ResultKind uint8

const (
	Miss ResultKind = iota
	Hit
	Sunk
)

var resultNames = [...]string{"miss", "hit", "sunk"}

func (k ResultKind) String() string {
	if int(k) < len(resultNames) {
		return resultNames[k]
	}
	return fmt.Sprintf("result(%d)", uint8(k))
}

func (k ResultKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *ResultKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, n := range resultNames {
		if n == s {
			*k = ResultKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown shot result %q", s)
}

// ShotResult is what the defender reveals about a shot. Ship is set only for Sunk.
type ShotResult struct {
	Kind ResultKind `json:"kind"`
	Ship ShipID     `json:"ship,omitempty"`
}

func (r ShotResult) String() string {
	if r.Kind == Sunk {
		return "sunk " + r.Ship.String()
	}
	return r.Kind.String()
}

// Valid reports whether the result is well formed.
func (r ShotResult) Valid() bool {
	switch r.Kind {
	case Miss, Hit:
		return r.Ship == 0
	case Sunk:
		return r.Ship != 0 && r.Ship <= MaxShips
	}
	return false
}

// Resolve applies shot s to b and returns the outcome and the updated board.
// b is not modified. A shot at an already-marked cell changes nothing and
// reports Miss, so replaying a shot is a no-op.
func Resolve(b Board, s Shot) (ShotResult, Board, error) {
	if !s.InBounds() {
		return ShotResult{}, b, fmt.Errorf("shot %s is off the board", s)
	}
	next := b.Clone()
	if next.Marked(s) {
		return ShotResult{Kind: Miss}, next, nil
	}
	id := next.Occupancy()[s.Row][s.Col]
	if id == 0 {
		next.Marks[s.Row][s.Col] = MarkMiss
		return ShotResult{Kind: Miss}, next, nil
	}
	next.Marks[s.Row][s.Col] = MarkHit
	if next.IsSunk(id) {
		return ShotResult{Kind: Sunk, Ship: id}, next, nil
	}
	return ShotResult{Kind: Hit}, next, nil
}
