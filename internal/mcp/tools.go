package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/projhost/internal/protocol"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("protocol_version",
		mcp.WithDescription("Report the host's boundary version. Check it before anything else."),
	), s.handleProtocolVersion)

	s.mcp.AddTool(mcp.NewTool("compile_module",
		mcp.WithDescription("Compile and run a module in the session prelude"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Lua source of the module")),
		mcp.WithString("file", mcp.Description("File name used in diagnostics")),
	), s.handleCompileModule)

	s.mcp.AddTool(mcp.NewTool("compile_query",
		mcp.WithDescription("Compile a query script, replacing any query of the same name, and list the handlers it registered"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Query name")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Lua source of the query")),
		mcp.WithString("file", mcp.Description("File name used in diagnostics, defaults to NAME.lua")),
	), s.handleCompileQuery)

	s.mcp.AddTool(mcp.NewTool("execute_handler",
		mcp.WithDescription("Call every handler a query registered under a name and return their JSON results"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query name")),
		mcp.WithString("handler", mcp.Required(), mcp.Description("Handler name")),
		mcp.WithString("data", mcp.Description("Primary payload as JSON, defaults to {}")),
		mcp.WithString("aux", mcp.Description("Auxiliary payloads as a JSON array")),
	), s.handleExecuteHandler)

	s.mcp.AddTool(mcp.NewTool("report_errors",
		mcp.WithDescription("List accumulated script errors, of one query or of the whole session"),
		mcp.WithString("query", mcp.Description("Query name, all scripts when omitted")),
		mcp.WithBoolean("clear", mcp.Description("Clear the reported errors")),
	), s.handleReportErrors)

	s.mcp.AddTool(mcp.NewTool("dispose_query",
		mcp.WithDescription("Dispose a query"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query name")),
	), s.handleDisposeQuery)
}

func (s *Server) handleProtocolVersion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.send(ctx, protocol.MsgVersion, nil)
}

func (s *Server) handleCompileModule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.send(ctx, protocol.MsgCompileModule, protocol.CompileModuleMessage{
		Source: source,
		File:   request.GetString("file", ""),
	})
}

func (s *Server) handleCompileQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.send(ctx, protocol.MsgCompileQuery, protocol.CompileQueryMessage{
		Name:   name,
		Source: source,
		File:   request.GetString("file", ""),
	})
}

func (s *Server) handleExecuteHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	handler, err := request.RequireString("handler")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg := protocol.ExecuteMessage{Query: query, Handler: handler}
	if data := request.GetString("data", ""); data != "" {
		if !json.Valid([]byte(data)) {
			return mcp.NewToolResultError("data is not valid JSON"), nil
		}
		msg.Data = json.RawMessage(data)
	}
	if aux := request.GetString("aux", ""); aux != "" {
		if err := json.Unmarshal([]byte(aux), &msg.Aux); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("aux must be a JSON array: %v", err)), nil
		}
	}
	return s.send(ctx, protocol.MsgExecute, msg)
}

func (s *Server) handleReportErrors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.send(ctx, protocol.MsgErrors, protocol.ErrorsMessage{
		Query: request.GetString("query", ""),
		Clear: request.GetBool("clear", false),
	})
}

func (s *Server) handleDisposeQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.send(ctx, protocol.MsgDispose, protocol.QueryMessage{Query: query})
}
