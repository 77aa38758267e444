package commit

import (
	"errors"
	"fmt"
)

type Side uint8

const (
	Self Side = iota
	Opponent
)

func (s Side) String() string {
	if s == Opponent {
		return "opponent"
	}
	return "self"
}

// Tracker holds the currently trusted commitment of each board. Commitments
// only move forward through Update; there is no way to overwrite or roll back.
type Tracker struct {
	current  [2]Commitment
	set      [2]bool
	advances [2]int
}

// Set records the initial commitment of a side. It may be called once per side.
func (t *Tracker) Set(side Side, c Commitment) error {
	if side > Opponent {
		return fmt.Errorf("unknown side %d", side)
	}
	if t.set[side] {
		return fmt.Errorf("%s commitment already set", side)
	}
	if c.IsZero() {
		return errors.New("zero commitment")
	}
	t.current[side] = c
	t.set[side] = true
	return nil
}

func (t *Tracker) Current(side Side) (Commitment, bool) {
	if side > Opponent {
		return Commitment{}, false
	}
	return t.current[side], t.set[side]
}

// Update replaces the commitment of side with next, but only if expectedOld is
// the commitment currently stored for it.
func (t *Tracker) Update(side Side, expectedOld, next Commitment) error {
	if side > Opponent {
		return fmt.Errorf("unknown side %d", side)
	}
	if !t.set[side] || t.current[side] != expectedOld {
		return fmt.Errorf("%w: %s holds %s, round starts from %s",
			ErrCommitmentMismatch, side, t.current[side], expectedOld)
	}
	if next.IsZero() {
		return errors.New("zero commitment")
	}
	t.current[side] = next
	t.advances[side]++
	return nil
}

// Advances counts successful updates of side.
func (t *Tracker) Advances(side Side) int {
	if side > Opponent {
		return 0
	}
	return t.advances[side]
}
