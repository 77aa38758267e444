package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"battleship-p2p/internal/channel"
	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
	"battleship-p2p/internal/transport"
	"battleship-p2p/internal/zk"
)

var (
	keysOnce sync.Once
	keys     *zk.Keys
	keysErr  error
)

// countingService records how many receipts were handed to and passed verification.
type countingService struct {
	zk.Service
	calls    atomic.Int32
	verified atomic.Int32
}

func (c *countingService) Verify(ctx context.Context, r *zk.Receipt, id zk.ProgramID) (*zk.Journal, error) {
	c.calls.Add(1)
	j, err := c.Service.Verify(ctx, r, id)
	if err == nil {
		c.verified.Add(1)
	}
	return j, err
}

func testService(t *testing.T) (*countingService, zk.ProgramID) {
	t.Helper()
	keysOnce.Do(func() { keys, keysErr = zk.Setup() })
	require.NoError(t, keysErr)
	g := zk.NewGroth16(keys, zerolog.Nop())
	return &countingService{Service: g}, g.ProgramID()
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func secretWith(t *testing.T, ships ...game.Ship) commit.Secret {
	t.Helper()
	sec, err := commit.NewSecret(game.Board{Ships: ships})
	require.NoError(t, err)
	return sec
}

func ship(id game.ShipID, size, row, col uint8) game.Ship {
	return game.Ship{ID: id, Size: size, Row: row, Col: col, Orientation: game.Horizontal}
}

func newPair(t *testing.T, secA, secB commit.Secret) (a, b *Session, svcA, svcB *countingService) {
	t.Helper()
	svcA, id := testService(t)
	svcB, _ = testService(t)
	connA, connB := transport.Pipe()

	var err error
	// B initiates and shoots first.
	b, err = New(connB, codec.RoleInitiator, Config{
		Service: svcB, ProgramID: id, Secret: secB, PlayerName: "bea", FirstShooter: codec.RoleInitiator,
	})
	require.NoError(t, err)
	a, err = New(connA, codec.RoleResponder, Config{
		Service: svcA, ProgramID: id, Secret: secA, PlayerName: "ada",
	})
	require.NoError(t, err)

	ctx := testCtx(t)
	var g errgroup.Group
	g.Go(func() error { return a.Start(ctx, nil) })
	g.Go(func() error { return b.Start(ctx, nil) })
	require.NoError(t, g.Wait())
	return a, b, svcA, svcB
}

func TestEndToEnd(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	secB := secretWith(t, ship(game.Destroyer, 1, 5, 5))
	a, b, svcA, svcB := newPair(t, secA, secB)
	ctx := testCtx(t)

	assert.Equal(t, Shooting, b.Phase())
	assert.Equal(t, Defending, a.Phase())
	assert.Equal(t, "ada", b.OpponentName())
	assert.Equal(t, "bea", a.OpponentName())
	assert.Equal(t, a.MatchID(), b.MatchID())
	assert.Equal(t, secB.Board.Fleet(), a.OpponentFleet())
	assert.Equal(t, game.Fleet{0, 0, 0, 0, 2}, b.OpponentFleet())

	// local misuse changes nothing
	_, err := a.Fire(ctx, game.Shot{Row: 1, Col: 1})
	require.ErrorIs(t, err, ErrPhase)
	_, err = b.Fire(ctx, game.Shot{Row: 10, Col: 0})
	require.ErrorIs(t, err, ErrInvalidShot)
	assert.Equal(t, Shooting, b.Phase())

	var g errgroup.Group
	var defended Turn
	g.Go(func() error {
		var err error
		defended, err = a.Defend(ctx)
		return err
	})
	fired, err := b.Fire(ctx, game.Shot{Row: 0, Col: 0})
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, game.Hit, fired.Result.Kind)
	assert.Equal(t, fired.Result, defended.Result)
	assert.Equal(t, Shooting, a.Phase())
	assert.Equal(t, Defending, b.Phase())

	g.Go(func() error {
		var err error
		defended, err = b.Defend(ctx)
		return err
	})
	fired, err = a.Fire(ctx, game.Shot{Row: 5, Col: 5})
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, game.ShotResult{Kind: game.Sunk, Ship: game.Destroyer}, fired.Result)
	assert.True(t, fired.Defeated)
	assert.True(t, defended.Defeated)

	assert.Equal(t, Won, a.Phase())
	assert.Equal(t, Lost, b.Phase())
	for _, s := range []*Session{a, b} {
		assert.Equal(t, 1, s.Advances(commit.Self))
		assert.Equal(t, 1, s.Advances(commit.Opponent))
	}
	assert.Equal(t, int32(1), svcA.verified.Load())
	assert.Equal(t, int32(1), svcB.verified.Load())

	// both sides agree on both boards
	aSelf, _ := a.Commitment(commit.Self)
	bOpp, _ := b.Commitment(commit.Opponent)
	assert.Equal(t, aSelf, bOpp)
	bSelf, _ := b.Commitment(commit.Self)
	aOpp, _ := a.Commitment(commit.Opponent)
	assert.Equal(t, bSelf, aOpp)

	_, err = a.Fire(ctx, game.Shot{Row: 5, Col: 6})
	assert.ErrorIs(t, err, ErrPhase, "no shots after the match is over")
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, Won, a.Phase())
}

func TestRetargetAndPeerClose(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	secB := secretWith(t, ship(game.Destroyer, 1, 5, 5), ship(game.Submarine, 1, 9, 9))
	a, b, _, _ := newPair(t, secA, secB)
	ctx := testCtx(t)

	var g errgroup.Group
	g.Go(func() error { _, err := a.Defend(ctx); return err })
	_, err := b.Fire(ctx, game.Shot{Row: 0, Col: 0})
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	g.Go(func() error { _, err := b.Defend(ctx); return err })
	turn, err := a.Fire(ctx, game.Shot{Row: 5, Col: 5})
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, game.Sunk, turn.Result.Kind)
	assert.False(t, turn.Defeated)

	_, err = b.Fire(ctx, game.Shot{Row: 0, Col: 0})
	require.ErrorIs(t, err, ErrAlreadyTargeted)
	assert.Equal(t, Shooting, b.Phase())

	require.NoError(t, b.Close())
	_, err = a.Defend(ctx)
	require.ErrorIs(t, err, ErrPeerClosed)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "player left", ce.Reason)
	assert.Equal(t, Closed, a.Phase())
}

// rawPeer speaks the protocol by hand so it can misbehave.
type rawPeer struct {
	ch *channel.Channel
	// extra shots proven after the one fired
	extra []game.Shot
}

func startRawPeer(t *testing.T, secA commit.Secret, advertised commit.Commitment, fleet game.Fleet) (*Session, *rawPeer, *countingService) {
	t.Helper()
	svc, id := testService(t)
	connA, connP := transport.Pipe()
	a, err := New(connA, codec.RoleInitiator, Config{
		Service: svc, ProgramID: id, Secret: secA, FirstShooter: codec.RoleInitiator,
	})
	require.NoError(t, err)

	ctx := testCtx(t)
	var g errgroup.Group
	g.Go(func() error { return a.Start(ctx, nil) })
	ch, err := channel.Accept(ctx, connP, nil, channel.Options{})
	require.NoError(t, err)
	p, err := ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, codec.KindBoardReady, p.Kind)
	require.NoError(t, ch.Send(ctx, codec.NewBoardReady(advertised, fleet, "mallory")))
	require.NoError(t, g.Wait())
	require.Equal(t, Shooting, a.Phase())
	return a, &rawPeer{ch: ch}, svc
}

// answer reads the shot and replies with a receipt proven from sec.
func (p *rawPeer) answer(t *testing.T, sec commit.Secret, tamper func(*zk.Receipt, *game.ShotResult)) {
	t.Helper()
	ctx := testCtx(t)
	svc, _ := testService(t)
	msg, err := p.ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, codec.KindShot, msg.Kind)

	prior, err := commit.Commit(sec)
	require.NoError(t, err)
	shots := append([]game.Shot{msg.Shot.Coord()}, p.extra...)
	r, err := svc.Prove(ctx, sec, prior, shots)
	require.NoError(t, err)
	result := r.Journal.Rounds[0].Result
	if tamper != nil {
		tamper(r, &result)
	}
	raw, err := zk.EncodeReceipt(r)
	require.NoError(t, err)
	require.NoError(t, p.ch.Send(ctx, codec.NewRoundProof(raw, result)))
}

func (p *rawPeer) expectClose(t *testing.T) string {
	t.Helper()
	msg, err := p.ch.Receive(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, codec.KindClose, msg.Kind)
	return msg.Close.Reason
}

func TestDivergentCommitmentIsRejected(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	advertisedSecret := secretWith(t, ship(game.Destroyer, 1, 5, 5))
	c1, err := commit.Commit(advertisedSecret)
	require.NoError(t, err)
	a, peer, _ := startRawPeer(t, secA, c1, advertisedSecret.Board.Fleet())

	// same board, different salt: a valid proof for a different commitment
	other := advertisedSecret
	other.Salt, err = commit.NewSalt()
	require.NoError(t, err)

	ctx := testCtx(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.answer(t, other, nil)
	}()
	_, err = a.Fire(ctx, game.Shot{Row: 5, Col: 5})
	<-done
	require.ErrorIs(t, err, commit.ErrCommitmentMismatch)
	assert.Equal(t, Closed, a.Phase())

	held, _ := a.Commitment(commit.Opponent)
	assert.Equal(t, c1, held, "new state must not be applied")
	assert.Equal(t, 0, a.Advances(commit.Opponent))
	assert.Contains(t, peer.expectClose(t), "commitment mismatch")
}

func TestLyingDefenderIsRejected(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	secP := secretWith(t, ship(game.Destroyer, 1, 5, 5))
	cP, err := commit.Commit(secP)
	require.NoError(t, err)

	cases := []struct {
		name   string
		tamper func(*zk.Receipt, *game.ShotResult)
		want   error
	}{
		{"claimed result differs from proof", func(_ *zk.Receipt, res *game.ShotResult) {
			*res = game.ShotResult{Kind: game.Miss}
		}, ErrProtocol},
		{"journal altered", func(r *zk.Receipt, res *game.ShotResult) {
			r.Journal.Rounds[0].Result = game.ShotResult{Kind: game.Miss}
			*res = game.ShotResult{Kind: game.Miss}
		}, zk.ErrProofVerification},
		{"seal corrupted", func(r *zk.Receipt, _ *game.ShotResult) {
			r.Seals[0][len(r.Seals[0])/2] ^= 0x01
		}, zk.ErrProofVerification},
		{"proof for another cell", func(r *zk.Receipt, _ *game.ShotResult) {
			r.Journal.Rounds[0].Shot = game.Shot{Row: 4, Col: 4}
		}, ErrProtocol},
		{"proof for another fleet", func(r *zk.Receipt, _ *game.ShotResult) {
			r.Journal.Rounds[0].Fleet = game.Fleet{0, 0, 0, 0, 2}
		}, ErrProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, peer, _ := startRawPeer(t, secA, cP, secP.Board.Fleet())
			done := make(chan struct{})
			go func() {
				defer close(done)
				peer.answer(t, secP, tc.tamper)
			}()
			_, err := a.Fire(testCtx(t), game.Shot{Row: 5, Col: 5})
			<-done
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, Closed, a.Phase())
			assert.Equal(t, 0, a.Advances(commit.Opponent))
			peer.expectClose(t)
		})
	}
}

func TestMultiRoundReceiptIsNotVerified(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	secP := secretWith(t, ship(game.Destroyer, 1, 5, 5))
	cP, err := commit.Commit(secP)
	require.NoError(t, err)

	a, peer, svc := startRawPeer(t, secA, cP, secP.Board.Fleet())
	peer.extra = []game.Shot{{Row: 9, Col: 9}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.answer(t, secP, nil)
	}()
	_, err = a.Fire(testCtx(t), game.Shot{Row: 0, Col: 0})
	<-done
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorContains(t, err, "2 rounds")
	assert.Equal(t, int32(0), svc.calls.Load(), "rejected before verification")
	assert.Equal(t, Closed, a.Phase())
	peer.expectClose(t)
}

func TestFleetIsBound(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 2, 0, 0))
	secP := secretWith(t, ship(game.Destroyer, 1, 5, 5))
	cP, err := commit.Commit(secP)
	require.NoError(t, err)

	t.Run("proof for a smaller fleet than announced", func(t *testing.T) {
		a, peer, svc := startRawPeer(t, secA, cP, game.Fleet{0, 0, 0, 0, 2})
		assert.Equal(t, game.Fleet{0, 0, 0, 0, 2}, a.OpponentFleet())
		done := make(chan struct{})
		go func() {
			defer close(done)
			peer.answer(t, secP, nil)
		}()
		_, err := a.Fire(testCtx(t), game.Shot{Row: 5, Col: 5})
		<-done
		require.ErrorIs(t, err, ErrProtocol)
		assert.Equal(t, int32(0), svc.calls.Load())
		assert.Equal(t, 0, a.Advances(commit.Opponent))
		peer.expectClose(t)
	})

	t.Run("announced fleet is not the expected one", func(t *testing.T) {
		svc, id := testService(t)
		connA, connP := transport.Pipe()
		want := game.StandardFleet()
		a, err := New(connA, codec.RoleInitiator, Config{
			Service: svc, ProgramID: id, Secret: secA, FirstShooter: codec.RoleInitiator, OpponentFleet: &want,
		})
		require.NoError(t, err)

		ctx := testCtx(t)
		var g errgroup.Group
		g.Go(func() error { return a.Start(ctx, nil) })
		ch, err := channel.Accept(ctx, connP, nil, channel.Options{})
		require.NoError(t, err)
		_, err = ch.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, ch.Send(ctx, codec.NewBoardReady(cP, secP.Board.Fleet(), "mallory")))
		err = g.Wait()
		require.ErrorIs(t, err, ErrProtocol)
		assert.ErrorContains(t, err, "fleet")
		assert.Equal(t, Closed, a.Phase())
	})
}

func TestExchangeTimeout(t *testing.T) {
	svc, id := testService(t)
	connA, connP := transport.Pipe()
	defer connP.Close()
	a, err := New(connA, codec.RoleInitiator, Config{
		Service: svc, ProgramID: id, Secret: secretWith(t, ship(game.Destroyer, 2, 0, 0)),
		ExchangeTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	// nobody answers the handshake
	err = a.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Closed, a.Phase())
}

type scan struct{}

func (scan) NextShot(_ context.Context, v *game.OpponentView) (game.Shot, error) {
	return v.Remaining()[0], nil
}

func TestPlay(t *testing.T) {
	secA := secretWith(t, ship(game.Destroyer, 1, 0, 1))
	secB := secretWith(t, ship(game.Destroyer, 1, 0, 0))
	a, b, _, _ := newPair(t, secA, secB)
	ctx := testCtx(t)

	var turns atomic.Int32
	a.cfg.OnRound = func(Turn) { turns.Add(1) }

	var g errgroup.Group
	var phaseA, phaseB Phase
	g.Go(func() error {
		var err error
		phaseA, err = a.Play(ctx, scan{})
		return err
	})
	g.Go(func() error {
		var err error
		phaseB, err = b.Play(ctx, scan{})
		return err
	})
	require.NoError(t, g.Wait())

	// B misses (0,0) on A's board, A hits B's only ship at (0,0)
	assert.Equal(t, Won, phaseA)
	assert.Equal(t, Lost, phaseB)
	assert.Equal(t, int32(2), turns.Load())
	boardB := b.Board()
	assert.True(t, boardB.FleetDestroyed())
	assert.Equal(t, 1, a.View().Hits())
}

func TestPhaseTable(t *testing.T) {
	all := []Phase{Idle, Handshaking, CommitmentExchange, Shooting, Defending, Won, Lost, Closed}
	for _, from := range all {
		for _, to := range all {
			ok := CanTransition(from, to)
			if from.Terminal() {
				assert.False(t, ok, "%s is terminal", from)
				continue
			}
			if to == Closed {
				assert.True(t, ok, "%s -> closed", from)
			}
		}
	}
	assert.True(t, CanTransition(Shooting, Won))
	assert.False(t, CanTransition(Shooting, Lost))
	assert.True(t, CanTransition(Defending, Lost))
	assert.False(t, CanTransition(Defending, Won))
	assert.False(t, CanTransition(Idle, Shooting))
	assert.Equal(t, "commitment-exchange", CommitmentExchange.String())
}

func TestNewValidates(t *testing.T) {
	a, _ := transport.Pipe()
	_, err := New(a, codec.RoleInitiator, Config{})
	assert.Error(t, err)

	svc, id := testService(t)
	_, err = New(a, codec.RoleInitiator, Config{Service: svc, ProgramID: id})
	assert.Error(t, err, "empty board")

	s, err := New(a, codec.RoleInitiator, Config{Service: svc, ProgramID: id, Secret: secretWith(t, ship(game.Destroyer, 2, 0, 0))})
	require.NoError(t, err)
	_, err = s.Play(context.Background(), scan{})
	assert.ErrorIs(t, err, ErrPhase)
	assert.Equal(t, Idle, s.Phase())
}
