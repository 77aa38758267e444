// Package session runs one match between two peers: handshake, commitment
// exchange and the alternating turn loop in which every shot is answered by a
// proof that the shooter verifies before it trusts the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"battleship-p2p/internal/channel"
	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
	"battleship-p2p/internal/transport"
	"battleship-p2p/internal/zk"
)

const (
	DefaultExchangeTimeout = 2 * time.Minute
	closeGrace             = time.Second
)

type Config struct {
	Service   zk.Service
	ProgramID zk.ProgramID
	Secret    commit.Secret

	PlayerName string
	// OpponentFleet, if set, is the only fleet the opponent may announce.
	OpponentFleet *game.Fleet
	// FirstShooter is only used by the initiator; the responder learns it in the handshake.
	FirstShooter codec.Role
	// MatchID is the id the initiator dials under; nil picks a fresh one.
	MatchID uuid.UUID
	// ExchangeTimeout bounds the handshake, the board exchange and each Shot→RoundProof exchange.
	ExchangeTimeout time.Duration

	Log zerolog.Logger
	// OnRound, if set, is called after every completed round on either board.
	OnRound func(Turn)
}

// Turn is the outcome of one round.
type Turn struct {
	Side     commit.Side // board the shot landed on
	Shot     game.Shot
	Result   game.ShotResult
	Defeated bool
}

// Session is one match over one connection. Operations are serialized; the
// session never outlives its connection.
type Session struct {
	mu    sync.Mutex
	phase atomic.Uint32

	cfg  Config
	role codec.Role
	conn transport.Conn
	ch   *channel.Channel

	tracker       commit.Tracker
	board         game.Board
	view          *game.OpponentView
	opponentName  string
	opponentFleet game.Fleet
	err           error

	log zerolog.Logger
}

func New(conn transport.Conn, role codec.Role, cfg Config) (*Session, error) {
	if cfg.Service == nil {
		return nil, errors.New("session needs a proof service")
	}
	if role > codec.RoleResponder {
		return nil, fmt.Errorf("unknown role %d", role)
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	own, err := commit.Commit(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("committing to own board: %w", err)
	}
	s := &Session{
		cfg:   cfg,
		role:  role,
		conn:  conn,
		board: cfg.Secret.Board.Clone(),
		view:  game.NewOpponentView(),
		log:   cfg.Log.With().Str("component", "session").Stringer("role", role).Logger(),
	}
	if err := s.tracker.Set(commit.Self, own); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) Role() codec.Role { return s.role }

// MatchID is known once the handshake completed.
func (s *Session) MatchID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return uuid.Nil
	}
	return s.ch.MatchID()
}

func (s *Session) OpponentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opponentName
}

// OpponentFleet is the fleet the opponent announced with its commitment.
func (s *Session) OpponentFleet() game.Fleet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opponentFleet
}

// Commitment returns the trusted commitment of a side.
func (s *Session) Commitment(side commit.Side) (commit.Commitment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Current(side)
}

// Advances counts verified commitment updates of a side.
func (s *Session) Advances(side commit.Side) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Advances(side)
}

// Board is a copy of the own board with the opponent's shots marked.
func (s *Session) Board() game.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// View is what this player knows about the opponent's board. Callers must not modify it.
func (s *Session) View() *game.OpponentView { return s.view }

// Err is the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setPhase(to Phase) error {
	from := s.Phase()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrPhase, from, to)
	}
	s.phase.Store(uint32(to))
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("phase")
	return nil
}

func (s *Session) require(want Phase) error {
	if p := s.Phase(); p != want {
		return fmt.Errorf("%w: %s, need %s", ErrPhase, p, want)
	}
	return nil
}

// fail ends the match: the peer is told why (unless it was the one closing),
// the connection is dropped and the session becomes Closed.
func (s *Session) fail(err error) error {
	return s.closeWith(classify(err))
}

func (s *Session) closeWith(err error) error {
	if s.Phase().Terminal() {
		return err
	}
	if s.ch != nil && !errors.Is(err, ErrPeerClosed) {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = s.ch.Send(ctx, codec.NewClose(err.Error()))
		cancel()
	}
	_ = s.conn.Close()
	s.phase.Store(uint32(Closed))
	s.err = err
	s.log.Warn().Err(err).Msg("match closed")
	return err
}

// Abort closes the match with a local reason.
func (s *Session) Abort(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWith(reason)
}

// Close ends the session. An unfinished match is aborted with a Close message.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Phase().Terminal() {
		if s.ch != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
			_ = s.ch.Send(ctx, codec.NewClose("player left"))
			cancel()
		}
		s.phase.Store(uint32(Closed))
	}
	return s.conn.Close()
}

// receive waits for a payload of kind want. A Close from the peer surfaces as *CloseError.
func (s *Session) receive(ctx context.Context, want codec.Kind) (codec.Payload, error) {
	p, err := s.ch.Receive(ctx)
	if err != nil {
		return p, err
	}
	if p.Kind == codec.KindClose {
		return p, &CloseError{Reason: p.Close.Reason}
	}
	if p.Kind != want {
		return p, protocolErr("expected %s, got %s", want, p.Kind)
	}
	return p, nil
}

// offload runs fn on its own goroutine so proving and verifying never block
// the caller past ctx.
func offload(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) emit(t Turn) {
	if s.cfg.OnRound != nil {
		s.cfg.OnRound(t)
	}
}

// Start runs the handshake and exchanges board commitments. hello is the
// initiator's key exchange when a server already read it; otherwise nil.
func (s *Session) Start(ctx context.Context, hello *codec.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(Idle); err != nil {
		return err
	}
	if err := s.setPhase(Handshaking); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	opts := channel.Options{FirstShooter: s.cfg.FirstShooter, MatchID: s.cfg.MatchID, Log: s.cfg.Log}
	var err error
	if s.role == codec.RoleInitiator {
		s.ch, err = channel.Dial(ctx, s.conn, opts)
	} else {
		s.ch, err = channel.Accept(ctx, s.conn, hello, opts)
	}
	if err != nil {
		return s.fail(err)
	}
	s.log = s.log.With().Str("match", s.ch.MatchID().String()).Logger()
	if err := s.setPhase(CommitmentExchange); err != nil {
		return s.fail(err)
	}

	own, _ := s.tracker.Current(commit.Self)
	ready := codec.NewBoardReady(own, s.board.Fleet(), s.cfg.PlayerName)
	if s.role == codec.RoleInitiator {
		if err := s.ch.Send(ctx, ready); err != nil {
			return s.fail(err)
		}
	}
	p, err := s.receive(ctx, codec.KindBoardReady)
	if err != nil {
		return s.fail(err)
	}
	if s.role == codec.RoleResponder {
		if err := s.ch.Send(ctx, ready); err != nil {
			return s.fail(err)
		}
	}
	if want := s.cfg.OpponentFleet; want != nil && *want != p.BoardReady.Fleet {
		return s.fail(protocolErr("opponent fleet %s, expected %s", p.BoardReady.Fleet, *want))
	}
	if err := s.tracker.Set(commit.Opponent, p.BoardReady.Commitment); err != nil {
		return s.fail(protocolErr("%v", err))
	}
	s.opponentName = p.BoardReady.PlayerName
	s.opponentFleet = p.BoardReady.Fleet

	next := Defending
	if s.ch.FirstShooter() == s.role {
		next = Shooting
	}
	s.log.Info().Str("opponent", s.opponentName).Stringer("opponent_commitment", p.BoardReady.Commitment).
		Stringer("opponent_fleet", s.opponentFleet).Stringer("first", next).Msg("match started")
	if err := s.setPhase(next); err != nil {
		return s.fail(err)
	}
	return nil
}

// Fire shoots at the opponent and applies the result only after its proof
// verified and continues from the trusted opponent commitment. Misuse errors
// (wrong phase, off-board or repeated target) leave the session unchanged.
func (s *Session) Fire(ctx context.Context, shot game.Shot) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(Shooting); err != nil {
		return Turn{}, err
	}
	if !shot.InBounds() {
		return Turn{}, fmt.Errorf("%w: %s", ErrInvalidShot, shot)
	}
	if s.view.Targeted(shot) {
		return Turn{}, fmt.Errorf("%w: %s", ErrAlreadyTargeted, shot)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	if err := s.ch.Send(ctx, codec.NewShot(shot)); err != nil {
		return Turn{}, s.fail(err)
	}
	p, err := s.receive(ctx, codec.KindRoundProof)
	if err != nil {
		return Turn{}, s.fail(err)
	}
	receipt, err := zk.DecodeReceipt(p.RoundProof.Receipt)
	if err != nil {
		return Turn{}, s.fail(err)
	}

	// one round for this shot, checked before paying for verification
	claimed := receipt.Journal.Rounds
	if len(claimed) != 1 || len(receipt.Seals) != 1 {
		return Turn{}, s.fail(protocolErr("proof covers %d rounds with %d seals, want 1", len(claimed), len(receipt.Seals)))
	}
	if claimed[0].Shot != shot {
		return Turn{}, s.fail(protocolErr("proof is for shot %s, fired %s", claimed[0].Shot, shot))
	}
	if claimed[0].Result != p.RoundProof.Result {
		return Turn{}, s.fail(protocolErr("claimed %s, proof says %s", p.RoundProof.Result, claimed[0].Result))
	}
	if claimed[0].Fleet != s.opponentFleet {
		return Turn{}, s.fail(protocolErr("proof is for fleet %s, opponent announced %s", claimed[0].Fleet, s.opponentFleet))
	}

	var journal *zk.Journal
	err = offload(ctx, func(ctx context.Context) error {
		var err error
		journal, err = s.cfg.Service.Verify(ctx, receipt, s.cfg.ProgramID)
		return err
	})
	if err != nil {
		return Turn{}, s.fail(err)
	}
	round := journal.Rounds[0]
	if err := s.tracker.Update(commit.Opponent, journal.InitialState, round.NewState); err != nil {
		return Turn{}, s.fail(err)
	}
	s.view.Record(shot, round.Result)

	turn := Turn{Side: commit.Opponent, Shot: shot, Result: round.Result, Defeated: round.Defeated}
	s.log.Info().Stringer("shot", shot).Stringer("result", round.Result).Bool("defeated", round.Defeated).Msg("fired")
	s.emit(turn)

	next := Defending
	if round.Defeated {
		next = Won
	}
	if err := s.setPhase(next); err != nil {
		return turn, s.fail(err)
	}
	return turn, nil
}

// Defend waits for the opponent's shot, resolves it against the own board
// and answers with a proof of the transition.
func (s *Session) Defend(ctx context.Context) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(Defending); err != nil {
		return Turn{}, err
	}

	// the shooter may take its time; only the answer is bounded
	p, err := s.receive(ctx, codec.KindShot)
	if err != nil {
		return Turn{}, s.fail(err)
	}
	shot := p.Shot.Coord()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	result, next, err := game.Resolve(s.board, shot)
	if err != nil {
		return Turn{}, s.fail(protocolErr("%v", err))
	}
	prior, _ := s.tracker.Current(commit.Self)
	sec := commit.Secret{Board: s.board, Salt: s.cfg.Secret.Salt}

	var receipt *zk.Receipt
	err = offload(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = s.cfg.Service.Prove(ctx, sec, prior, []game.Shot{shot})
		return err
	})
	if err != nil {
		return Turn{}, s.fail(err)
	}
	if len(receipt.Journal.Rounds) != 1 {
		return Turn{}, s.fail(fmt.Errorf("%w: prover returned %d rounds", zk.ErrProofGeneration, len(receipt.Journal.Rounds)))
	}
	round := receipt.Journal.Rounds[0]
	want, err := commit.Commit(commit.Secret{Board: next, Salt: s.cfg.Secret.Salt})
	if err != nil {
		return Turn{}, s.fail(err)
	}
	if round.NewState != want || round.Result != result {
		return Turn{}, s.fail(fmt.Errorf("%w: prover disagrees with the local board", zk.ErrProofGeneration))
	}

	raw, err := zk.EncodeReceipt(receipt)
	if err != nil {
		return Turn{}, s.fail(fmt.Errorf("%w: %w", zk.ErrProofGeneration, err))
	}
	if err := s.ch.Send(ctx, codec.NewRoundProof(raw, result)); err != nil {
		return Turn{}, s.fail(err)
	}
	if err := s.tracker.Update(commit.Self, prior, round.NewState); err != nil {
		return Turn{}, s.fail(err)
	}
	s.board = next

	turn := Turn{Side: commit.Self, Shot: shot, Result: result, Defeated: round.Defeated}
	s.log.Info().Stringer("shot", shot).Stringer("result", result).Bool("defeated", round.Defeated).Msg("defended")
	s.emit(turn)

	np := Shooting
	if round.Defeated {
		np = Lost
	}
	if err := s.setPhase(np); err != nil {
		return turn, s.fail(err)
	}
	return turn, nil
}

// Targeter picks the next shot.
type Targeter interface {
	NextShot(ctx context.Context, view *game.OpponentView) (game.Shot, error)
}

// Play drives a started session until the match ends and returns the final phase.
func (s *Session) Play(ctx context.Context, t Targeter) (Phase, error) {
	for {
		switch s.Phase() {
		case Shooting:
			shot, err := t.NextShot(ctx, s.view)
			if err != nil {
				return Closed, s.Abort(fmt.Errorf("choosing a shot: %w", err))
			}
			if _, err := s.Fire(ctx, shot); err != nil {
				if errors.Is(err, ErrInvalidShot) || errors.Is(err, ErrAlreadyTargeted) {
					return Closed, s.Abort(err)
				}
				return s.Phase(), err
			}
		case Defending:
			if _, err := s.Defend(ctx); err != nil {
				return s.Phase(), err
			}
		case Won, Lost:
			return s.Phase(), nil
		case Closed:
			return Closed, s.Err()
		default:
			return s.Phase(), fmt.Errorf("%w: %s, start the session first", ErrPhase, s.Phase())
		}
	}
}
