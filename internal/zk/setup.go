package zk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

const (
	pkFile = "round.pk"
	vkFile = "round.vk"
)

// ProgramID identifies the round program: SHA-256 of its serialized verifying key.
// Both players must agree on it before a match.
type ProgramID [32]byte

func (p ProgramID) String() string { return hex.EncodeToString(p[:]) }

func (p ProgramID) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *ProgramID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseProgramID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

func ParseProgramID(s string) (ProgramID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return ProgramID{}, fmt.Errorf("invalid program id: %w", err)
	}
	if len(b) != len(ProgramID{}) {
		return ProgramID{}, fmt.Errorf("program id must be %d bytes, got %d", len(ProgramID{}), len(b))
	}
	var id ProgramID
	copy(id[:], b)
	return id, nil
}

// Keys is the compiled round circuit with its groth16 key pair.
type Keys struct {
	CS constraint.ConstraintSystem
	PK groth16.ProvingKey
	VK groth16.VerifyingKey
	ID ProgramID
}

func compileRound() (constraint.ConstraintSystem, error) {
	var circuit RoundCircuit
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
}

// Setup compiles the circuit and runs a fresh groth16 setup in memory.
func Setup() (*Keys, error) {
	cs, err := compileRound()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, err
	}
	id, err := programID(vk)
	if err != nil {
		return nil, err
	}
	return &Keys{CS: cs, PK: pk, VK: vk, ID: id}, nil
}

// EnsureKeys loads the key pair from dir, or generates and writes one when the
// files are missing or unreadable.
func EnsureKeys(dir string) (*Keys, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if k, err := LoadKeys(dir); err == nil {
		return k, nil
	}

	k, err := Setup()
	if err != nil {
		return nil, err
	}
	if err := writeKey(filepath.Join(dir, vkFile), k.VK); err != nil {
		return nil, err
	}
	if err := writeKey(filepath.Join(dir, pkFile), k.PK); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadKeys reads an existing key pair and recompiles the circuit it belongs to.
func LoadKeys(dir string) (*Keys, error) {
	vk, pk, err := readKeys(filepath.Join(dir, vkFile), filepath.Join(dir, pkFile))
	if err != nil {
		return nil, err
	}
	cs, err := compileRound()
	if err != nil {
		return nil, err
	}
	id, err := programID(vk)
	if err != nil {
		return nil, err
	}
	return &Keys{CS: cs, PK: pk, VK: vk, ID: id}, nil
}

func programID(vk groth16.VerifyingKey) (ProgramID, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return ProgramID{}, err
	}
	return ProgramID(sha256.Sum256(buf.Bytes())), nil
}

// writeKey replaces path atomically.
func writeKey(path string, k io.WriterTo) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := k.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readKey(path string, k io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := k.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func readKeys(vkPath, pkPath string) (groth16.VerifyingKey, groth16.ProvingKey, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	return vk, pk, nil
}
