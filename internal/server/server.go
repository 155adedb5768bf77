// Package server wires the physics engine, broadcast pool, and session
// store into a single HTTP listener: it upgrades WebSocket requests to
// dashboard sessions, serves the operational endpoints from httpapi at
// their registered paths, and answers every other non-upgrade request
// with the plain-text health probe response.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	httpapi "github.com/taranbis/digital-twin/internal/http"
	"github.com/taranbis/digital-twin/internal/history"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/session"
)

// Options configures a Server.
type Options struct {
	Addr            string
	Engine          session.RPMSetter
	History         *history.Ring
	Logger          *logging.Logger
	OutboundBound   int
	PingInterval    time.Duration
	HandlerSet      *httpapi.HandlerSet
	MaxPayloadBytes int64
	MaxClients      int

	// Sessions lets a caller share one session store between the server
	// and a HandlerSet constructed before the server itself (HandlerSet
	// reports session counts on /metrics). A new store is created if nil.
	Sessions *session.Store
}

// Server owns the HTTP listener and the set of live dashboard sessions.
type Server struct {
	addr            string
	engine          session.RPMSetter
	history         *history.Ring
	logger          *logging.Logger
	outboundBound   int
	pingInterval    time.Duration
	handlers        *httpapi.HandlerSet
	upgrader        websocket.Upgrader
	maxPayloadBytes int64
	maxClients      int

	Sessions *session.Store

	httpServer *http.Server
}

// New constructs a Server ready to ListenAndServe.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore()
	}
	srv := &Server{
		addr:            opts.Addr,
		engine:          opts.Engine,
		history:         opts.History,
		logger:          logger,
		outboundBound:   opts.OutboundBound,
		pingInterval:    opts.PingInterval,
		handlers:        opts.HandlerSet,
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		maxPayloadBytes: opts.MaxPayloadBytes,
		maxClients:      opts.MaxClients,
		Sessions:        sessions,
	}

	mux := http.NewServeMux()
	if srv.handlers != nil {
		srv.handlers.Register(mux)
	}
	mux.HandleFunc("/", srv.handleUpgrade)

	srv.httpServer = &http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}
	return srv
}

// handleUpgrade promotes a WebSocket handshake into a dashboard session.
// Any other request, regardless of path, gets the plain-text health probe
// response — the original listener's HttpSession::onRead never inspects the
// path either, so a bare GET / or GET /anything is a valid health check.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.serveHealthFallback(w, r)
		return
	}
	if s.maxClients > 0 && s.Sessions.Len() >= s.maxClients {
		s.logger.Warn("rejecting websocket upgrade: max clients reached",
			logging.Int("max_clients", s.maxClients))
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	if s.maxPayloadBytes > 0 {
		conn.SetReadLimit(s.maxPayloadBytes)
	}

	sess := session.New(session.Options{
		Conn:          conn,
		Engine:        s.engine,
		History:       s.history,
		Logger:        s.logger,
		OutboundBound: s.outboundBound,
		PingInterval:  s.pingInterval,
		OnClose:       s.Sessions.Remove,
	})
	s.Sessions.Add(sess)

	go sess.Run()
}

// serveHealthFallback answers any non-upgrade request with the plain-text
// "ok" health probe response, reusing the HandlerSet's own HealthHandler
// when one is configured so the two code paths never drift apart.
func (s *Server) serveHealthFallback(w http.ResponseWriter, r *http.Request) {
	if s.handlers != nil {
		s.handlers.HealthHandler()(w, r)
		return
	}
	w.Header().Set("Server", "DigitalTwin/1.0")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ListenAndServe blocks serving HTTP and WebSocket traffic until the
// context is cancelled or a fatal listener error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
