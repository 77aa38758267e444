package zk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
)

var (
	ErrProofGeneration   = errors.New("proof generation failed")
	ErrProofVerification = errors.New("proof verification failed")
)

// Prover produces a receipt for applying shots, in order, to the board in sec.
// prior must be the commitment sec currently opens to.
type Prover interface {
	Prove(ctx context.Context, sec commit.Secret, prior commit.Commitment, shots []game.Shot) (*Receipt, error)
}

// Verifier checks a receipt against the program both players agreed on and
// returns its journal. The journal is only trustworthy when err is nil.
type Verifier interface {
	Verify(ctx context.Context, r *Receipt, expected ProgramID) (*Journal, error)
}

type Service interface {
	Prover
	Verifier
}

// Groth16 proves each round with the round circuit. Safe for concurrent use.
type Groth16 struct {
	keys *Keys
	log  zerolog.Logger
}

func NewGroth16(keys *Keys, log zerolog.Logger) *Groth16 {
	return &Groth16{keys: keys, log: log.With().Str("component", "zk").Logger()}
}

func (g *Groth16) ProgramID() ProgramID { return g.keys.ID }

func genErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProofGeneration, fmt.Sprintf(format, args...))
}

func verErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProofVerification, fmt.Sprintf(format, args...))
}

func (g *Groth16) Prove(ctx context.Context, sec commit.Secret, prior commit.Commitment, shots []game.Shot) (*Receipt, error) {
	if len(shots) == 0 {
		return nil, genErr("no shots to prove")
	}
	start, err := commit.Commit(sec)
	if err != nil {
		return nil, genErr("%v", err)
	}
	if start != prior {
		return nil, genErr("secret opens %s, not %s", start, prior)
	}

	r := &Receipt{ProgramID: g.keys.ID, Journal: Journal{InitialState: prior}}
	board, cur := sec.Board, prior
	for _, shot := range shots {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProofGeneration, err)
		}
		result, next, err := game.Resolve(board, shot)
		if err != nil {
			return nil, genErr("%v", err)
		}
		newState, err := commit.Commit(commit.Secret{Board: next, Salt: sec.Salt})
		if err != nil {
			return nil, genErr("%v", err)
		}
		round := RoundCommit{
			OldState: cur,
			NewState: newState,
			Shot:     shot,
			Result:   result,
			Defeated: next.FleetDestroyed(),
			Fleet:    sec.Board.Fleet(),
		}

		t0 := time.Now()
		seal, err := g.proveRound(sec.Salt, board, round)
		if err != nil {
			return nil, err
		}
		g.log.Debug().Stringer("shot", shot).Stringer("result", result).
			Dur("took", time.Since(t0)).Msg("round proved")

		r.Journal.Rounds = append(r.Journal.Rounds, round)
		r.Seals = append(r.Seals, seal)
		board, cur = next, newState
	}
	return r, nil
}

func (g *Groth16) proveRound(salt commit.Salt, before game.Board, round RoundCommit) ([]byte, error) {
	assignment := publicAssignment(round)
	privateAssignment(assignment, salt, before)

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, genErr("witness: %v", err)
	}
	proof, err := groth16.Prove(g.keys.CS, g.keys.PK, w)
	if err != nil {
		return nil, genErr("prove: %v", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, genErr("serialize proof: %v", err)
	}
	return buf.Bytes(), nil
}

func (g *Groth16) Verify(ctx context.Context, r *Receipt, expected ProgramID) (*Journal, error) {
	if r == nil {
		return nil, verErr("nil receipt")
	}
	if r.ProgramID != expected {
		return nil, verErr("receipt is bound to program %s, expected %s", r.ProgramID, expected)
	}
	if g.keys.ID != expected {
		return nil, verErr("verifier holds keys for program %s, expected %s", g.keys.ID, expected)
	}
	j := r.Journal
	if len(j.Rounds) == 0 {
		return nil, verErr("receipt has no rounds")
	}
	if len(r.Seals) != len(j.Rounds) {
		return nil, verErr("%d seals for %d rounds", len(r.Seals), len(j.Rounds))
	}

	if !j.InitialState.Canonical() {
		return nil, verErr("initial state is not a canonical field element")
	}
	fleet := j.Rounds[0].Fleet
	if err := fleet.Validate(); err != nil {
		return nil, verErr("%v", err)
	}

	prev := j.InitialState
	for i, round := range j.Rounds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProofVerification, err)
		}
		if round.OldState != prev {
			return nil, verErr("round %d starts from %s, chain is at %s", i, round.OldState, prev)
		}
		if !round.NewState.Canonical() {
			return nil, verErr("round %d new state is not a canonical field element", i)
		}
		if !round.Shot.InBounds() || !round.Result.Valid() {
			return nil, verErr("round %d is malformed", i)
		}
		if round.Fleet != fleet {
			return nil, verErr("round %d is for fleet %s, receipt started with %s", i, round.Fleet, fleet)
		}

		pub, err := frontend.NewWitness(publicAssignment(round), ecc.BN254.ScalarField(), frontend.PublicOnly())
		if err != nil {
			return nil, verErr("round %d public witness: %v", i, err)
		}
		proof := groth16.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewReader(r.Seals[i])); err != nil {
			return nil, verErr("round %d seal: %v", i, err)
		}
		if err := groth16.Verify(proof, g.keys.VK, pub); err != nil {
			return nil, verErr("round %d: %v", i, err)
		}
		prev = round.NewState
	}

	out := Journal{InitialState: j.InitialState, Rounds: append([]RoundCommit(nil), j.Rounds...)}
	return &out, nil
}

// publicAssignment fills the public inputs of the round circuit from a journal entry.
func publicAssignment(round RoundCommit) *RoundCircuit {
	defeated := 0
	if round.Defeated {
		defeated = 1
	}
	a := &RoundCircuit{
		OldState: round.OldState.BigInt(),
		NewState: round.NewState.BigInt(),
		Row:      round.Shot.Row,
		Col:      round.Shot.Col,
		Result:   uint8(round.Result.Kind),
		Ship:     uint8(round.Result.Ship),
		Defeated: defeated,
	}
	for k, size := range round.Fleet {
		a.Fleet[k] = size
	}
	return a
}

// privateAssignment fills the secret inputs from the board as it was before the shot.
func privateAssignment(a *RoundCircuit, salt commit.Salt, before game.Board) {
	a.Salt = salt.BigInt()
	for k := range a.Ships {
		a.Ships[k] = Placement{Row: 0, Col: 0, Vertical: 0}
	}
	for _, s := range before.Ships {
		if s.ID < 1 || s.ID > game.MaxShips {
			continue
		}
		vertical := 0
		if s.Orientation == game.Vertical {
			vertical = 1
		}
		a.Ships[s.ID-1] = Placement{Row: s.Row, Col: s.Col, Vertical: vertical}
	}
	for r := 0; r < game.BoardSize; r++ {
		for c := 0; c < game.BoardSize; c++ {
			mark := 0
			if before.Marks[r][c] != game.Unmarked {
				mark = 1
			}
			a.Mark[r*game.BoardSize+c] = mark
		}
	}
}
