package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/speechbridge/gateway/engine"
)

// Server wires the Session Engine to an HTTP mux, upgrading each incoming
// request on its voice route to a websocket and handing the connection to
// a fresh Bridge.
type Server struct {
	manager *engine.Manager
	cfg     engine.Config
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a Server around an already-constructed Manager.
func NewServer(manager *engine.Manager, cfg engine.Config, logger *slog.Logger) *Server {
	return &Server{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register attaches the gateway's routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/voice", s.handleVoice)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleVoice upgrades the connection and runs a Bridge for its lifetime.
// Run blocks until the client disconnects, so the handler returns only
// once the session tied to this socket has been fully torn down.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	bridge := NewBridge(context.Background(), s.manager, s.cfg, conn, s.logger)
	bridge.Run()
}
