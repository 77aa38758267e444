// Package strategy picks shots for a player.
package strategy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"battleship-p2p/internal/game"
	"battleship-p2p/internal/session"
)

var ErrNoTargets = errors.New("no untargeted cells left")

var (
	_ session.Targeter = Sequential{}
	_ session.Targeter = (*Random)(nil)
	_ session.Targeter = (*Prompt)(nil)
	_ session.Targeter = (*Lua)(nil)
	_ io.Closer        = (*Lua)(nil)
)

// Sequential scans the board row by row.
type Sequential struct{}

func (Sequential) NextShot(_ context.Context, v *game.OpponentView) (game.Shot, error) {
	left := v.Remaining()
	if len(left) == 0 {
		return game.Shot{}, ErrNoTargets
	}
	return left[0], nil
}

// Random fires at a uniformly chosen untargeted cell, but finishes off a
// damaged ship first by trying the neighbours of its hits.
type Random struct {
	rng *rand.Rand
}

func NewRandom(seed int64) *Random { return &Random{rng: rand.New(rand.NewSource(seed))} }

func (r *Random) NextShot(_ context.Context, v *game.OpponentView) (game.Shot, error) {
	left := v.Remaining()
	if len(left) == 0 {
		return game.Shot{}, ErrNoTargets
	}
	if follow := followUps(v); len(follow) > 0 {
		return follow[r.rng.Intn(len(follow))], nil
	}
	return left[r.rng.Intn(len(left))], nil
}

// followUps lists untargeted neighbours of every hit.
func followUps(v *game.OpponentView) []game.Shot {
	var out []game.Shot
	for r := 0; r < game.BoardSize; r++ {
		for c := 0; c < game.BoardSize; c++ {
			at := game.Coord{Row: uint8(r), Col: uint8(c)}
			if !v.IsHit(at) {
				continue
			}
			for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nr, nc := r+d[0], c+d[1]
				if nr < 0 || nc < 0 || nr >= game.BoardSize || nc >= game.BoardSize {
					continue
				}
				n := game.Coord{Row: uint8(nr), Col: uint8(nc)}
				if !v.Targeted(n) {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

// Prompt asks a human for coordinates.
type Prompt struct {
	in  *bufio.Scanner
	out io.Writer
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewScanner(in), out: out}
}

func (p *Prompt) NextShot(ctx context.Context, v *game.OpponentView) (game.Shot, error) {
	fmt.Fprintln(p.out, v.Render())
	for {
		if err := ctx.Err(); err != nil {
			return game.Shot{}, err
		}
		fmt.Fprint(p.out, "fire at (row col): ")
		if !p.in.Scan() {
			if err := p.in.Err(); err != nil {
				return game.Shot{}, err
			}
			return game.Shot{}, io.EOF
		}
		shot, err := ParseShot(p.in.Text())
		if err != nil {
			fmt.Fprintln(p.out, err)
			continue
		}
		if v.Targeted(shot) {
			fmt.Fprintf(p.out, "%s was already targeted\n", shot)
			continue
		}
		return shot, nil
	}
}

// ParseShot reads "row col" or "row,col".
func ParseShot(s string) (game.Shot, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) != 2 {
		return game.Shot{}, fmt.Errorf("want two numbers, got %q", s)
	}
	var rc [2]uint8
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n >= game.BoardSize {
			return game.Shot{}, fmt.Errorf("%q is not in 0..%d", f, game.BoardSize-1)
		}
		rc[i] = uint8(n)
	}
	return game.Shot{Row: rc[0], Col: rc[1]}, nil
}

// ByName builds a strategy for the CLI: "scan", "random", "prompt", or a path to a .lua script.
func ByName(name string, seed int64, in io.Reader, out io.Writer) (session.Targeter, error) {
	switch {
	case name == "scan":
		return Sequential{}, nil
	case name == "random":
		return NewRandom(seed), nil
	case name == "prompt":
		return NewPrompt(in, out), nil
	case strings.HasSuffix(name, ".lua"):
		return LoadLua(name)
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
