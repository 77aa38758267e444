package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMissHitSunk(t *testing.T) {
	b := twoShipBoard()

	res, b, err := Resolve(b, Shot{Row: 5, Col: 5})
	require.NoError(t, err)
	assert.Equal(t, ShotResult{Kind: Miss}, res)
	assert.Equal(t, MarkMiss, b.Marks[5][5])

	res, b, err = Resolve(b, Shot{Row: 0, Col: 0})
	require.NoError(t, err)
	assert.Equal(t, ShotResult{Kind: Hit}, res)

	res, b, err = Resolve(b, Shot{Row: 0, Col: 1})
	require.NoError(t, err)
	assert.Equal(t, ShotResult{Kind: Sunk, Ship: Destroyer}, res)
	assert.True(t, b.IsSunk(Destroyer))
	assert.False(t, b.FleetDestroyed())

	for r := uint8(4); r < 7; r++ {
		_, b, err = Resolve(b, Shot{Row: r, Col: 7})
		require.NoError(t, err)
	}
	assert.True(t, b.FleetDestroyed())
	require.NoError(t, b.Validate())
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	b := twoShipBoard()
	_, next, err := Resolve(b, Shot{Row: 0, Col: 0})
	require.NoError(t, err)
	assert.Equal(t, Unmarked, b.Marks[0][0])
	assert.Equal(t, MarkHit, next.Marks[0][0])
}

func TestResolveOffBoard(t *testing.T) {
	_, _, err := Resolve(twoShipBoard(), Shot{Row: 10, Col: 0})
	assert.Error(t, err)
}

func TestResolveDeterministicAndIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		b, err := GenerateRandomBoard(rng)
		require.NoError(t, err)
		s := Shot{Row: uint8(rng.Intn(BoardSize)), Col: uint8(rng.Intn(BoardSize))}

		r1, b1, err := Resolve(b, s)
		require.NoError(t, err)
		r2, b2, err := Resolve(b, s)
		require.NoError(t, err)
		assert.Equal(t, r1, r2)
		assert.Equal(t, b1, b2)

		r3, b3, err := Resolve(b1, s)
		require.NoError(t, err)
		assert.Equal(t, ShotResult{Kind: Miss}, r3)
		assert.Equal(t, b1, b3)
	}
}

func TestOpponentView(t *testing.T) {
	v := NewOpponentView()
	v.Record(Coord{Row: 1, Col: 2}, ShotResult{Kind: Miss})
	v.Record(Coord{Row: 3, Col: 3}, ShotResult{Kind: Sunk, Ship: Submarine})

	assert.True(t, v.Targeted(Coord{Row: 1, Col: 2}))
	assert.False(t, v.IsHit(Coord{Row: 1, Col: 2}))
	assert.True(t, v.IsHit(Coord{Row: 3, Col: 3}))
	assert.Equal(t, 2, v.Shots())
	assert.Equal(t, 1, v.Hits())
	assert.Equal(t, []ShipID{Submarine}, v.Sunk())
	assert.Len(t, v.Remaining(), Cells-2)
	assert.Contains(t, v.Render(), "X")
}

func TestShotResultValid(t *testing.T) {
	assert.True(t, ShotResult{Kind: Miss}.Valid())
	assert.True(t, ShotResult{Kind: Sunk, Ship: Carrier}.Valid())
	assert.False(t, ShotResult{Kind: Sunk}.Valid())
	assert.False(t, ShotResult{Kind: Hit, Ship: Carrier}.Valid())
	assert.False(t, ShotResult{Kind: 7}.Valid())
}
