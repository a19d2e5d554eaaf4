// Package relayserver is the WebSocket fan-out relay: it upgrades
// incoming connections, registers or reauthenticates them against an
// embedded identity store, and routes binary frames between clients by
// a 16-byte trailing ClientID, tagging each forwarded frame with its
// sender's id.
package relayserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"golang.org/x/net/netutil"

	"github.com/CoCoSol007/border-wars/relayclient"
)

// ClientID and ClientSecret reuse relayclient's aliases so the two
// packages agree on wire shape without importing uuid twice.
type (
	ClientID     = relayclient.ClientID
	ClientSecret = relayclient.ClientSecret
)

// Server is the relay's process-wide state: the identity store and the
// in-memory ClientID -> session routing map, both process-lifetime.
type Server struct {
	store    *Store
	log      *log.Logger
	sessions sync.Map // ClientID -> *session

	maxSessions int
}

// Option configures a Server at construction.
type Option func(*Server)

// WithMaxSessions bounds concurrent sessions via netutil.LimitListener.
// A value <= 0 means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

// New constructs a Server backed by the identity store at storePath.
func New(storePath string, logger *log.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	store, err := OpenStore(storePath)
	if err != nil {
		return nil, err
	}
	s := &Server{store: store, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the identity store.
func (srv *Server) Close() error {
	return srv.store.Close()
}

// ServeHTTP upgrades the request to a WebSocket and runs the session to
// completion. It never returns until the session ends.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		srv.log.Warn("relayserver: upgrade failed", "err", err)
		return
	}
	srv.runSession(r.Context(), ws)
}

// Serve wraps ln with a session-count limiter (if configured) and runs an
// http.Server over it whose handler is srv. It blocks until ln is closed
// or ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	if srv.maxSessions > 0 {
		ln = netutil.LimitListener(ln, srv.maxSessions)
	}

	httpSrv := &http.Server{Handler: srv}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relayserver: serve: %w", err)
	}
	return nil
}
