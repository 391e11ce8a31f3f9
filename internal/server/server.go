package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/host"
)

// Server is the projection host's HTTP server.
type Server struct {
	config     *config.Config
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a server whose connections get sessions from factory.
func New(cfg *config.Config, factory SessionFactory) *Server {
	s := &Server{
		config:     cfg,
		wsEndpoint: NewWebSocketEndpoint(cfg, factory),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.wsEndpoint.HandleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/version", s.handleVersion)
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	return s.wsEndpoint.Count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":    "projhost",
		"version": host.ProtocolVersion,
	})
}

// StartHTTP starts serving on the configured host and the given port. Port 0
// picks a free port and records it in the config. It returns the base URL.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	} else {
		s.config.Server.Port = port
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown stops accepting requests, then closes every connection and its
// session.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wsEndpoint.CloseAll()
	return err
}
