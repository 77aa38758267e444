package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
	"battleship-p2p/internal/zk"
)

type CommitResult struct {
	Commitment commit.Commitment
	Secret     commit.Secret
}

// InitBoard places the standard fleet. seed 0 picks a random seed.
func InitBoard(seed int64) (game.Board, error) {
	if seed == 0 {
		return game.GenerateRandomBoard(nil)
	}
	return game.GenerateRandomBoard(rand.New(rand.NewSource(seed)))
}

// Commit salts b and computes its commitment.
func Commit(b game.Board) (*CommitResult, error) {
	sec, err := commit.NewSecret(b)
	if err != nil {
		return nil, err
	}
	c, err := commit.Commit(sec)
	if err != nil {
		return nil, err
	}
	return &CommitResult{Commitment: c, Secret: sec}, nil
}

// Prove produces one receipt covering shots, starting from the commitment sec opens to.
func Prove(ctx context.Context, p zk.Prover, sec commit.Secret, shots []game.Shot) (*zk.Receipt, error) {
	prior, err := commit.Commit(sec)
	if err != nil {
		return nil, err
	}
	return p.Prove(ctx, sec, prior, shots)
}

// Verify checks r and, when expected is set, that it starts from that commitment.
func Verify(ctx context.Context, v zk.Verifier, r *zk.Receipt, id zk.ProgramID, expected commit.Commitment) (*zk.Journal, error) {
	j, err := v.Verify(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if !expected.IsZero() && j.InitialState != expected {
		return nil, fmt.Errorf("%w: receipt starts from %s, expected %s",
			commit.ErrCommitmentMismatch, j.InitialState, expected)
	}
	return j, nil
}

// LoadSecret reads a secret file, or commits to a board file, or generates a board.
func LoadSecret(cfg *Config) (commit.Secret, error) {
	if cfg.SecretFile != "" {
		var sec commit.Secret
		if err := LoadJSON(cfg.SecretFile, &sec); err != nil {
			return commit.Secret{}, err
		}
		if _, err := commit.Commit(sec); err != nil {
			return commit.Secret{}, fmt.Errorf("%s: %w", cfg.SecretFile, err)
		}
		return sec, nil
	}
	var b game.Board
	if cfg.BoardFile != "" {
		if err := LoadJSON(cfg.BoardFile, &b); err != nil {
			return commit.Secret{}, err
		}
	} else {
		var err error
		if b, err = InitBoard(cfg.Seed); err != nil {
			return commit.Secret{}, err
		}
	}
	return commit.NewSecret(b)
}

func SaveJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func LoadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	return dec.Decode(v)
}

// SaveReceipt writes the CBOR encoding of r.
func SaveReceipt(path string, r *zk.Receipt) error {
	raw, err := zk.EncodeReceipt(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func LoadReceipt(path string) (*zk.Receipt, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return zk.DecodeReceipt(raw)
}
