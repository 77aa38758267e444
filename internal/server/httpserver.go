package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"battleship-p2p/internal/transport"
	"battleship-p2p/internal/zk"
)

const defaultHelloTimeout = 10 * time.Second

// Server accepts match connections over WebSocket or framed TLS and hands each
// one to the handler registered for its match id, or to the fallback. It
// holds no match state of its own.
type Server struct {
	ProgramID    zk.ProgramID
	HelloTimeout time.Duration
	// OriginPatterns is passed to the WebSocket upgrade; empty means same origin only.
	OriginPatterns []string

	mu       sync.RWMutex
	handlers map[uuid.UUID]Handler
	fallback Handler

	accepted atomic.Int64
	active   atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64

	// Milliseconds since epoch when this server booted
	startAt int64
	log     zerolog.Logger
}

func New(programID zk.ProgramID, fallback Handler, log zerolog.Logger) *Server {
	return &Server{
		ProgramID:    programID,
		HelloTimeout: defaultHelloTimeout,
		handlers:     make(map[uuid.UUID]Handler),
		fallback:     fallback,
		startAt:      time.Now().UnixMilli(),
		log:          log.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/match", s.handleMatch)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// === Status ===

type Status struct {
	StartedAt int64  `json:"startedAt"`
	ProgramID string `json:"programId"`
	Pending   int    `json:"pending"` // registered matches not yet connected
	Accepted  int64  `json:"accepted"`
	Active    int64  `json:"active"`
	Finished  int64  `json:"finished"`
	Failed    int64  `json:"failed"`
}

func (s *Server) Status() Status {
	s.mu.RLock()
	pending := len(s.handlers)
	s.mu.RUnlock()
	return Status{
		StartedAt: s.startAt,
		ProgramID: s.ProgramID.String(),
		Pending:   pending,
		Accepted:  s.accepted.Load(),
		Active:    s.active.Load(),
		Finished:  s.finished.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, 200, s.Status())
}

// === Match (WebSocket upgrade) ===

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.dispatch(r.Context(), transport.NewWebSocket(c), r.RemoteAddr)
}

// === CORS ===

func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// In dev we allow any origin. For production, set this to the specific origin(s).
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
