// Package gateway exposes agent sessions over HTTP: a health check, gateway
// statistics and the authenticated WebSocket endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiancaiamao/shellbuddy/pkg/agent"
	"github.com/tiancaiamao/shellbuddy/pkg/auth"
	"github.com/tiancaiamao/shellbuddy/pkg/transport"
)

const (
	DefaultAddr   = "127.0.0.1:8080"
	DefaultWSPath = "/v2/ws"

	shutdownTimeout = 5 * time.Second
)

// TokenVerifier turns a chat token into its claims.
type TokenVerifier interface {
	Verify(token string) (auth.ChatClaims, error)
}

// Server accepts WebSocket sessions and binds each one to a
// transport.Server running the agent runtime.
type Server struct {
	addr        string
	wsPath      string
	verifier    TokenVerifier
	runtime     agent.Runtime
	sessionOpts []transport.ServerOption
	connOpts    []transport.ConnOption
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	stats       *Stats

	mu       sync.Mutex
	sessions map[*transport.Server]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithWSPath sets the WebSocket endpoint path.
func WithWSPath(path string) Option {
	return func(s *Server) { s.wsPath = path }
}

// WithSessionOptions passes options to every transport.Server.
func WithSessionOptions(opts ...transport.ServerOption) Option {
	return func(s *Server) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// WithConnOptions passes options to every transport.Conn.
func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a gateway. Sessions are authenticated with verifier and run
// runtime.
func New(verifier TokenVerifier, runtime agent.Runtime, opts ...Option) *Server {
	s := &Server{
		addr:     DefaultAddr,
		wsPath:   DefaultWSPath,
		verifier: verifier,
		runtime:  runtime,
		logger:   slog.Default(),
		stats:    newStats(),
		sessions: make(map[*transport.Server]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// terminal clients send no Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connOpts = append(s.connOpts, transport.WithConnLogger(s.logger))
	s.sessionOpts = append([]transport.ServerOption{transport.WithServerLogger(s.logger)}, s.sessionOpts...)
	return s
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers the gateway endpoints with mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET "+s.wsPath, s.handleWS)
}

// Stats returns the live gateway counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// ListenAndServe serves until ctx is cancelled, then shuts the HTTP server
// down and closes every open session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String(), "ws_path", s.wsPath)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.closeSessions()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	// hijacked connections are not tracked by http.Server
	s.closeSessions()
	s.logger.Info("gateway stopped", "sessions_total", s.stats.SessionsTotal())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.stats.authRejected.Add(1)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "No token provided"})
		return
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.stats.authRejected.Add(1)
		s.logger.Debug("rejecting session", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid token"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := transport.NewServer(claims, transport.NewConn(ws, s.connOpts...), s.runtime, s.sessionOpts...)
	if !s.track(session) {
		session.Close()
		ws.Close()
		return
	}
	defer s.untrack(session)

	active := s.stats.sessionOpened()
	s.logger.Info("session opened", "chat_id", claims.ChatID, "user_id", claims.UserID, "active", active)
	start := time.Now()

	err = session.Run(r.Context())
	active = s.stats.sessionClosed()
	s.logger.Info("session closed", "chat_id", claims.ChatID, "duration", time.Since(start), "active", active, "error", err)
}

// track registers a running session. It returns false once the gateway is
// shutting down.
func (s *Server) track(session *transport.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(session *transport.Server) {
	s.mu.Lock()
	if s.sessions != nil {
		delete(s.sessions, session)
	}
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for session := range sessions {
		session.Close()
	}
	s.wg.Wait()
}
