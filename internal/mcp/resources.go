package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/projhost/internal/projection"
)

const (
	queriesURI = "projhost://queries"
	errorsURI  = "projhost://errors"
)

type queryInfo struct {
	Name     string   `json:"name"`
	File     string   `json:"file"`
	Handlers []string `json:"handlers"`
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(queriesURI, "Queries",
		mcp.WithResourceDescription("Compiled queries and the handlers each registered"),
		mcp.WithMIMEType("application/json"),
	), s.readQueries)

	s.mcp.AddResource(mcp.NewResource(errorsURI, "Errors",
		mcp.WithResourceDescription("Script errors accumulated in the session"),
		mcp.WithMIMEType("application/json"),
	), s.readErrors)
}

func (s *Server) readQueries(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	queries := []queryInfo{}
	s.withSession(func(session *projection.Session) {
		for _, q := range session.Queries() {
			queries = append(queries, queryInfo{Name: q.Name, File: q.File, Handlers: q.HandlerNames()})
		}
	})
	return jsonContents(queriesURI, queries)
}

func (s *Server) readErrors(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var diags []projection.Diagnostic
	var err error
	s.withSession(func(session *projection.Session) {
		diags, err = session.Diagnostics()
	})
	if err != nil {
		return nil, err
	}
	if diags == nil {
		diags = []projection.Diagnostic{}
	}
	return jsonContents(errorsURI, diags)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(text),
		},
	}, nil
}
