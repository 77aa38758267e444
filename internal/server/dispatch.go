package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"battleship-p2p/internal/channel"
	"battleship-p2p/internal/codec"
	"battleship-p2p/internal/transport"
)

// Handler runs one match on conn. hello is the initiator's key exchange,
// already read by the server. The server closes conn when the handler returns.
type Handler func(ctx context.Context, conn transport.Conn, hello *codec.Envelope) error

// Register routes the next connection for matchID to h. Registrations are
// consumed by the first matching connection.
func (s *Server) Register(matchID uuid.UUID, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[matchID] = h
}

func (s *Server) Unregister(matchID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, matchID)
}

func (s *Server) route(matchID uuid.UUID) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[matchID]; ok {
		delete(s.handlers, matchID)
		return h
	}
	return s.fallback
}

func (s *Server) dispatch(ctx context.Context, conn transport.Conn, remote string) {
	defer conn.Close()
	s.accepted.Add(1)
	log := s.log.With().Str("remote", remote).Logger()

	helloCtx, cancel := context.WithTimeout(ctx, s.HelloTimeout)
	hello, err := channel.ReadHello(helloCtx, conn)
	cancel()
	if err != nil {
		s.failed.Add(1)
		log.Debug().Err(err).Msg("no usable hello")
		return
	}

	log = log.With().Str("match", hello.MatchID.String()).Logger()
	h := s.route(hello.MatchID)
	if h == nil {
		s.failed.Add(1)
		log.Info().Msg("no handler for match")
		return
	}

	s.active.Add(1)
	err = h(ctx, conn, hello)
	s.active.Add(-1)
	if err != nil {
		s.failed.Add(1)
		log.Warn().Err(err).Msg("match failed")
		return
	}
	s.finished.Add(1)
	log.Info().Msg("match finished")
}

// ServeTLS accepts framed TLS connections until ctx is done or the listener fails.
func (s *Server) ServeTLS(ctx context.Context, ln *transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			hsCtx, cancel := context.WithTimeout(ctx, s.HelloTimeout)
			conn, err := ln.Accept(hsCtx)
			cancel()
			if errors.Is(err, transport.ErrClosed) {
				return transport.ErrClosed
			}
			if err != nil {
				s.log.Debug().Err(err).Msg("accept")
				if ctx.Err() != nil {
					return ctx.Err()
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			g.Go(func() error {
				s.dispatch(ctx, conn, conn.RemoteAddr().String())
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
