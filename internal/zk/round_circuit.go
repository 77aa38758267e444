package zk

import (
	"math/big"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
)

// Placement is where one ship sits. Its size is public, in RoundCircuit.Fleet.
type Placement struct {
	Row      frontend.Variable `gnark:",secret"`
	Col      frontend.Variable `gnark:",secret"`
	Vertical frontend.Variable `gnark:",secret"`
}

// RoundCircuit proves one shot moved a committed board from OldState to
// NewState and that Result, Ship and Defeated were derived honestly. The
// committed occupancy is rebuilt from straight, non-overlapping, on-board ship
// placements whose sizes are the public Fleet, so no other layout can open
// the commitment.
type RoundCircuit struct {
	Salt  frontend.Variable                `gnark:",secret"`
	Ships [game.MaxShips]Placement         `gnark:",secret"` // Ships[id-1]
	Mark  [game.Cells]frontend.Variable    `gnark:",secret"` // 1 if already shot, before this round
	Fleet [game.MaxShips]frontend.Variable `gnark:",public"` // Fleet[id-1] is the size of ship id, 0 = absent

	OldState frontend.Variable `gnark:",public"`
	NewState frontend.Variable `gnark:",public"`
	Row      frontend.Variable `gnark:",public"`
	Col      frontend.Variable `gnark:",public"`
	Result   frontend.Variable `gnark:",public"` // 0 miss, 1 hit, 2 sunk
	Ship     frontend.Variable `gnark:",public"` // sunk ship id, else 0
	Defeated frontend.Variable `gnark:",public"`
}

// nibbleWeights[k] = 16^k
var nibbleWeights = func() [commit.CellsPerChunk]*big.Int {
	var w [commit.CellsPerChunk]*big.Int
	for k := range w {
		w[k] = new(big.Int).Lsh(big.NewInt(1), uint(4*k))
	}
	return w
}()

// layout returns cover[k][i] = 1 when ship k+1 covers cell i.
func (c *RoundCircuit) layout(api frontend.API) [game.MaxShips][game.Cells]frontend.Variable {
	var cover [game.MaxShips][game.Cells]frontend.Variable
	var fleetCells frontend.Variable = 0
	for k := 0; k < game.MaxShips; k++ {
		size := c.Fleet[k]
		fleetCells = api.Add(fleetCells, size)

		// size is one of 0..MaxShipSize; longer[t] = size > t
		var sizeOK frontend.Variable = 0
		var longer [game.MaxShipSize]frontend.Variable
		for t := range longer {
			longer[t] = 0
		}
		for n := 0; n <= game.MaxShipSize; n++ {
			eq := api.IsZero(api.Sub(size, n))
			sizeOK = api.Add(sizeOK, eq)
			for t := 0; t < n; t++ {
				longer[t] = api.Add(longer[t], eq)
			}
		}
		api.AssertIsEqual(sizeOK, 1)

		p := c.Ships[k]
		api.AssertIsBoolean(p.Vertical)
		api.AssertIsLessOrEqual(p.Row, game.BoardSize-1)
		api.AssertIsLessOrEqual(p.Col, game.BoardSize-1)
		across := api.Sub(1, p.Vertical)
		start := api.Add(api.Mul(p.Row, p.Vertical), api.Mul(p.Col, across))
		api.AssertIsLessOrEqual(api.Add(start, size), game.BoardSize)

		for i := range cover[k] {
			cover[k][i] = 0
		}
		for t := 0; t < game.MaxShipSize; t++ {
			r := api.Add(p.Row, api.Mul(t, p.Vertical))
			col := api.Add(p.Col, api.Mul(t, across))
			at := api.Add(api.Mul(r, game.BoardSize), col)
			for i := 0; i < game.Cells; i++ {
				on := api.Mul(longer[t], api.IsZero(api.Sub(at, i)))
				cover[k][i] = api.Add(cover[k][i], on)
			}
		}
	}
	api.AssertIsDifferent(fleetCells, 0)
	return cover
}

func (c *RoundCircuit) Define(api frontend.API) error {
	api.AssertIsLessOrEqual(c.Row, game.BoardSize-1)
	api.AssertIsLessOrEqual(c.Col, game.BoardSize-1)
	idx := api.Add(api.Mul(c.Row, game.BoardSize), c.Col)

	cover := c.layout(api)

	var occ, newMark [game.Cells]frontend.Variable
	var remaining, coverAt [game.MaxShips]frontend.Variable // unhit cells per ship; ship under the shot
	for k := range remaining {
		remaining[k], coverAt[k] = 0, 0
	}
	var occAt, markAt, selected, afloat frontend.Variable = 0, 0, 0, 0

	for i := 0; i < game.Cells; i++ {
		api.AssertIsBoolean(c.Mark[i])

		sel := api.IsZero(api.Sub(idx, i))
		selected = api.Add(selected, sel)
		markAt = api.Add(markAt, api.Mul(sel, c.Mark[i]))
		newMark[i] = api.Sub(api.Add(c.Mark[i], sel), api.Mul(c.Mark[i], sel))
		open := api.Sub(1, newMark[i])

		// at most one ship per cell
		var ships frontend.Variable = 0
		occ[i] = 0
		for k := 0; k < game.MaxShips; k++ {
			ships = api.Add(ships, cover[k][i])
			occ[i] = api.Add(occ[i], api.Mul(cover[k][i], k+1))
			left := api.Mul(cover[k][i], open)
			remaining[k] = api.Add(remaining[k], left)
			afloat = api.Add(afloat, left)
			coverAt[k] = api.Add(coverAt[k], api.Mul(sel, cover[k][i]))
		}
		api.AssertIsBoolean(ships)
		occAt = api.Add(occAt, api.Mul(sel, occ[i]))
	}
	api.AssertIsEqual(selected, 1)

	// a hit needs a ship under a cell nobody shot before
	hit := api.Mul(api.Sub(1, api.IsZero(occAt)), api.Sub(1, markAt))
	var remainingAt frontend.Variable = 0
	for k := 0; k < game.MaxShips; k++ {
		remainingAt = api.Add(remainingAt, api.Mul(coverAt[k], remaining[k]))
	}
	sunk := api.Mul(hit, api.IsZero(remainingAt))

	api.AssertIsEqual(c.Result, api.Add(hit, sunk))
	api.AssertIsEqual(c.Ship, api.Mul(sunk, occAt))
	api.AssertIsEqual(c.Defeated, api.IsZero(afloat))

	oldState, err := boardDigest(api, c.Salt, occ[:], c.Mark[:])
	if err != nil {
		return err
	}
	api.AssertIsEqual(oldState, c.OldState)

	newState, err := boardDigest(api, c.Salt, occ[:], newMark[:])
	if err != nil {
		return err
	}
	api.AssertIsEqual(newState, c.NewState)
	return nil
}

// boardDigest is the in-circuit twin of commit.Commit.
func boardDigest(api frontend.API, salt frontend.Variable, occ, mark []frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Reset()
	h.Write(commit.EncodingVersion, salt)
	for j := 0; j < commit.Chunks; j++ {
		var chunk frontend.Variable = 0
		for k := 0; k < commit.CellsPerChunk; k++ {
			i := j*commit.CellsPerChunk + k
			nibble := api.Add(occ[i], api.Mul(mark[i], 1<<commit.MarkShift))
			chunk = api.Add(chunk, api.Mul(nibble, nibbleWeights[k]))
		}
		h.Write(chunk)
	}
	return h.Sum(), nil
}
