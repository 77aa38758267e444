package zk

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
)

// RoundCommit is the public record of one processed shot.
type RoundCommit struct {
	OldState commit.Commitment `json:"old_state"`
	NewState commit.Commitment `json:"new_state"`
	Shot     game.Shot         `json:"shot"`
	Result   game.ShotResult   `json:"result"`
	Defeated bool              `json:"defeated"` // every ship cell hit after this round
	Fleet    game.Fleet        `json:"fleet"`    // ship sizes of the board the shot landed on
}

// Journal is the public output of one Prove call.
type Journal struct {
	InitialState commit.Commitment `json:"initial_state"`
	Rounds       []RoundCommit     `json:"rounds"`
}

// Fleet is the fleet every round is bound to. Verify guarantees they agree.
func (j *Journal) Fleet() game.Fleet {
	if len(j.Rounds) == 0 {
		return game.Fleet{}
	}
	return j.Rounds[0].Fleet
}

// Final is the commitment after the last round.
func (j *Journal) Final() commit.Commitment {
	if len(j.Rounds) == 0 {
		return j.InitialState
	}
	return j.Rounds[len(j.Rounds)-1].NewState
}

// Receipt binds a journal to the program that produced it. Seals[i] is the
// serialized groth16 proof of Journal.Rounds[i].
type Receipt struct {
	ProgramID ProgramID `json:"program_id"`
	Journal   Journal   `json:"journal"`
	Seals     [][]byte  `json:"seals"`
}

var receiptEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeReceipt serializes a receipt for the wire.
func EncodeReceipt(r *Receipt) ([]byte, error) {
	return receiptEnc.Marshal(r)
}

func DecodeReceipt(data []byte) (*Receipt, error) {
	var r Receipt
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: malformed receipt: %w", ErrProofVerification, err)
	}
	return &r, nil
}
