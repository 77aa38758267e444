package commit

import (
	"math/big"

	bnmimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// --- encode BN254 field elements as 32-byte big-endian ---
func feBytes(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) == 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// hashElements is MiMC over field elements, one 32-byte block each.
// Consistent with the in-circuit MiMC used by the round circuit.
func hashElements(elems ...*big.Int) (Commitment, error) {
	h := bnmimc.NewMiMC()
	for _, e := range elems {
		if _, err := h.Write(feBytes(e)); err != nil {
			return Commitment{}, err
		}
	}
	var out Commitment
	copy(out[:], h.Sum(nil))
	return out, nil
}
