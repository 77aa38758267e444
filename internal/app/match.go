package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
	"battleship-p2p/internal/server"
	"battleship-p2p/internal/session"
	"battleship-p2p/internal/strategy"
	"battleship-p2p/internal/transport"
	"battleship-p2p/internal/zk"
)

// ProofService is a zk.Service bound to one program.
type ProofService interface {
	zk.Service
	ProgramID() zk.ProgramID
}

// Player is everything one side needs to take part in matches.
type Player struct {
	Name            string
	Service         ProofService
	FirstShooter    codec.Role
	ExchangeTimeout time.Duration
	// MatchID is the id Join dials under; nil picks a fresh one.
	MatchID uuid.UUID
	// SameFleet refuses opponents whose fleet differs from the own board's.
	SameFleet bool
	// NewSecret returns the board for the next match.
	NewSecret func() (commit.Secret, error)
	// NewTargeter returns the shot picker for the next match.
	NewTargeter func() (session.Targeter, error)
	Log         zerolog.Logger
	// Out receives a line per round and the final boards. May be nil.
	Out io.Writer
}

// MatchResult summarizes a finished or aborted match.
type MatchResult struct {
	MatchID  uuid.UUID
	Opponent string
	Phase    session.Phase
	Board    game.Board
	View     *game.OpponentView
	Rounds   int
}

// NewPlayer builds a player from cfg. in and out back the prompt strategy.
func NewPlayer(cfg *Config, svc ProofService, log zerolog.Logger, in io.Reader, out io.Writer) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	check, err := strategy.ByName(cfg.Strategy, cfg.Seed, in, out)
	if err != nil {
		return nil, err
	}
	if c, ok := check.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return nil, err
		}
	}
	matchID, err := cfg.Match()
	if err != nil {
		return nil, err
	}
	var seed atomic.Int64
	seed.Store(cfg.Seed)
	return &Player{
		Name:            cfg.Name,
		Service:         svc,
		FirstShooter:    cfg.FirstShooter(),
		ExchangeTimeout: cfg.ExchangeTimeout,
		MatchID:         matchID,
		SameFleet:       cfg.SameFleet,
		NewSecret:       func() (commit.Secret, error) { return LoadSecret(cfg) },
		NewTargeter: func() (session.Targeter, error) {
			next := cfg.Seed
			if next != 0 {
				next = seed.Add(1)
			}
			return strategy.ByName(cfg.Strategy, next, in, out)
		},
		Log: log,
		Out: out,
	}, nil
}

func (p *Player) printf(format string, args ...any) {
	if p.Out != nil {
		fmt.Fprintf(p.Out, format, args...)
	}
}

// Run plays one match on conn. hello is the initiator's key exchange when a
// server already consumed it.
func (p *Player) Run(ctx context.Context, conn transport.Conn, role codec.Role, hello *codec.Envelope) (*MatchResult, error) {
	sec, err := p.NewSecret()
	if err != nil {
		return nil, err
	}
	t, err := p.NewTargeter()
	if err != nil {
		return nil, err
	}
	if c, ok := t.(io.Closer); ok {
		defer c.Close()
	}

	var fleet *game.Fleet
	if p.SameFleet {
		own := sec.Board.Fleet()
		fleet = &own
	}

	rounds := 0
	s, err := session.New(conn, role, session.Config{
		Service:         p.Service,
		ProgramID:       p.Service.ProgramID(),
		Secret:          sec,
		PlayerName:      p.Name,
		OpponentFleet:   fleet,
		FirstShooter:    p.FirstShooter,
		MatchID:         p.MatchID,
		ExchangeTimeout: p.ExchangeTimeout,
		Log:             p.Log,
		OnRound: func(t session.Turn) {
			rounds++
			who := "you fired at"
			if t.Side == commit.Self {
				who = "opponent fired at"
			}
			p.printf("%s %s: %s\n", who, t.Shot, t.Result)
		},
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Start(ctx, hello); err != nil {
		return nil, err
	}
	own, _ := s.Commitment(commit.Self)
	p.printf("match %s against %q (fleet %s), your commitment %s\n", s.MatchID(), s.OpponentName(), s.OpponentFleet(), own)

	phase, err := s.Play(ctx, t)
	res := &MatchResult{
		MatchID:  s.MatchID(),
		Opponent: s.OpponentName(),
		Phase:    phase,
		Board:    s.Board(),
		View:     s.View(),
		Rounds:   rounds,
	}
	if err != nil {
		return res, err
	}
	board := res.Board
	p.printf("%s after %d rounds\nyour board:\n%s\nopponent:\n%s", strings.ToUpper(phase.String()), rounds,
		board.Render(true), res.View.Render())
	return res, nil
}

// Host accepts a single opponent on cfg.Addr and plays against it. With
// cfg.MatchID set only a joiner dialing that id is served.
func Host(ctx context.Context, cfg *Config, p *Player) (*MatchResult, error) {
	matchID, err := cfg.Match()
	if err != nil {
		return nil, err
	}
	var (
		res    *MatchResult
		runErr error
		taken  atomic.Bool
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	once := func(ctx context.Context, conn transport.Conn, hello *codec.Envelope) error {
		if !taken.CompareAndSwap(false, true) {
			return errors.New("host already has an opponent")
		}
		defer cancel()
		res, runErr = p.Run(ctx, conn, codec.RoleResponder, hello)
		return runErr
	}
	var srv *server.Server
	if matchID == uuid.Nil {
		srv = server.New(p.Service.ProgramID(), once, p.Log)
	} else {
		srv = server.New(p.Service.ProgramID(), nil, p.Log)
		srv.Register(matchID, once)
		defer srv.Unregister(matchID)
		p.Log.Info().Stringer("match", matchID).Msg("waiting for the invited opponent")
	}
	if err := serve(ctx, cfg, srv, p.Log); err != nil {
		return nil, err
	}
	if runErr != nil {
		return res, runErr
	}
	if res == nil {
		return nil, errors.New("stopped before an opponent joined")
	}
	return res, nil
}

// Join connects to a host as the initiator and plays one match.
func Join(ctx context.Context, cfg *Config, p *Player) (*MatchResult, error) {
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return p.Run(ctx, conn, codec.RoleInitiator, nil)
}

// Serve runs a bot that plays every incoming match until ctx is done.
func Serve(ctx context.Context, cfg *Config, bot *Player) error {
	handler := func(ctx context.Context, conn transport.Conn, hello *codec.Envelope) error {
		_, err := bot.Run(ctx, conn, codec.RoleResponder, hello)
		return err
	}
	return serve(ctx, cfg, server.New(bot.Service.ProgramID(), handler, bot.Log), bot.Log)
}

func serve(ctx context.Context, cfg *Config, srv *server.Server, log zerolog.Logger) error {
	tlsCfg, err := serverTLS(cfg)
	if err != nil {
		return err
	}
	if cfg.Transport == TransportTLS {
		ln, err := transport.ListenTLS(cfg.Addr, tlsCfg)
		if err != nil {
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Stringer("program", srv.ProgramID).Msg("listening (tls)")
		return srv.ServeTLS(ctx, ln)
	}

	mux := http.NewServeMux()
	srv.Routes(mux)
	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.WithCORS(mux),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Stringer("program", srv.ProgramID).Msg("listening (websocket)")
		var err error
		if tlsCfg != nil {
			err = hs.ListenAndServeTLS("", "")
		} else {
			err = hs.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func serverTLS(cfg *Config) (*tls.Config, error) {
	if cfg.CertFile == "" {
		if cfg.Transport == TransportTLS {
			return nil, errors.New("tls transport needs --cert and --key")
		}
		return nil, nil
	}
	return transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, true)
}

func dial(ctx context.Context, cfg *Config) (transport.Conn, error) {
	var tlsCfg *tls.Config
	if cfg.CAFile != "" || cfg.CertFile != "" {
		var err error
		if tlsCfg, err = transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, false); err != nil {
			return nil, err
		}
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.ExchangeTimeout)
	defer cancel()
	if cfg.Transport == TransportWebSocket {
		url := cfg.Addr
		if !strings.Contains(url, "://") {
			scheme := "ws"
			if tlsCfg != nil {
				scheme = "wss"
			}
			url = scheme + "://" + url + "/v1/match"
		}
		ws, err := transport.DialWebSocket(dctx, url, tlsCfg)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	if tlsCfg == nil {
		return nil, errors.New("tls transport needs --ca to verify the host")
	}
	st, err := transport.DialTLS(dctx, cfg.Addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// PlayLocal runs a complete match between two players over an in-memory pipe.
func PlayLocal(ctx context.Context, host, guest *Player) (hostRes, guestRes *MatchResult, err error) {
	a, b := transport.Pipe()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hostRes, err = host.Run(ctx, a, codec.RoleResponder, nil)
		return err
	})
	g.Go(func() error {
		var err error
		guestRes, err = guest.Run(ctx, b, codec.RoleInitiator, nil)
		return err
	})
	err = g.Wait()
	return hostRes, guestRes, err
}
