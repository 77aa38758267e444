package strategy

import (
	"context"
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"battleship-p2p/internal/game"
)

// Lua runs a user script that defines
//
//	function next_shot(shots_taken) return row, col end
//
// The script can query the view with targeted(row, col), is_hit(row, col)
// and sunk_count(); BOARD_SIZE is set.
type Lua struct {
	mu   sync.Mutex
	L    *lua.LState
	view *game.OpponentView
}

func LoadLua(path string) (*Lua, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewLua(string(src))
}

func NewLua(src string) (*Lua, error) {
	s := &Lua{L: lua.NewState()}
	s.L.SetGlobal("BOARD_SIZE", lua.LNumber(game.BoardSize))
	s.L.SetGlobal("targeted", s.L.NewFunction(s.cellQuery(func(v *game.OpponentView, c game.Coord) bool {
		return v.Targeted(c)
	})))
	s.L.SetGlobal("is_hit", s.L.NewFunction(s.cellQuery(func(v *game.OpponentView, c game.Coord) bool {
		return v.IsHit(c)
	})))
	s.L.SetGlobal("sunk_count", s.L.NewFunction(func(L *lua.LState) int {
		n := 0
		if s.view != nil {
			n = len(s.view.Sunk())
		}
		L.Push(lua.LNumber(n))
		return 1
	}))

	if err := s.L.DoString(src); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("loading script: %w", err)
	}
	if s.L.GetGlobal("next_shot").Type() != lua.LTFunction {
		s.L.Close()
		return nil, fmt.Errorf("script does not define next_shot")
	}
	return s, nil
}

func (s *Lua) cellQuery(q func(*game.OpponentView, game.Coord) bool) lua.LGFunction {
	return func(L *lua.LState) int {
		r, c := L.CheckInt(1), L.CheckInt(2)
		ok := false
		if s.view != nil && r >= 0 && c >= 0 && r < game.BoardSize && c < game.BoardSize {
			ok = q(s.view, game.Coord{Row: uint8(r), Col: uint8(c)})
		}
		L.Push(lua.LBool(ok))
		return 1
	}
}

func (s *Lua) NextShot(ctx context.Context, v *game.OpponentView) (game.Shot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
	defer func() { s.view = nil }()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	err := s.L.CallByParam(lua.P{Fn: s.L.GetGlobal("next_shot"), NRet: 2, Protect: true}, lua.LNumber(v.Shots()))
	if err != nil {
		return game.Shot{}, fmt.Errorf("next_shot: %w", err)
	}
	row, col := s.L.Get(-2), s.L.Get(-1)
	s.L.Pop(2)

	r, ok1 := row.(lua.LNumber)
	c, ok2 := col.(lua.LNumber)
	if !ok1 || !ok2 {
		return game.Shot{}, fmt.Errorf("next_shot returned %s, %s; want two numbers", row.Type(), col.Type())
	}
	if r < 0 || c < 0 || r >= game.BoardSize || c >= game.BoardSize {
		return game.Shot{}, fmt.Errorf("next_shot returned (%v,%v), off the board", r, c)
	}
	return game.Shot{Row: uint8(r), Col: uint8(c)}, nil
}

// Close releases the Lua state. It satisfies io.Closer so callers that only
// hold a session.Targeter can release it.
func (s *Lua) Close() error {
	s.L.Close()
	return nil
}
