// Package mcp exposes one projection session to AI agents over the Model
// Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/protocol"
)

// Server serves tools and resources backed by one session. The session is
// not safe for concurrent use, so every call holds mu.
type Server struct {
	config  *config.Config
	mu      sync.Mutex
	handler *protocol.Handler
	mcp     *server.MCPServer
}

// NewServer creates an MCP server over session.
func NewServer(cfg *config.Config, session *projection.Session, version string) *Server {
	s := &Server{
		config:  cfg,
		handler: protocol.NewHandler(cfg, session),
	}
	s.mcp = server.NewMCPServer("projhost", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves requests on stdin and stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

// Close closes the session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Session().Close()
}

// withSession runs fn while holding the session lock.
func (s *Server) withSession(fn func(*projection.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.handler.Session())
}

// send applies a protocol message and renders its result as tool output.
func (s *Server) send(ctx context.Context, msgType protocol.MessageType, data interface{}) (*mcp.CallToolResult, error) {
	msg, err := protocol.NewMessage(msgType, "", data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.mu.Lock()
	resp, err := s.handler.HandleMessage(ctx, msg)
	s.mu.Unlock()

	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "[mcp] %s handled", msgType)
	if resp.Error != "" {
		return mcp.NewToolResultError(resp.Error), nil
	}
	text, err := json.Marshal(resp.Result)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(text)), nil
}
