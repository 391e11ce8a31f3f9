package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/host"
	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/script"
)

// Handler applies protocol messages to one projection session. Like the
// session, it must be driven from one goroutine at a time.
type Handler struct {
	config  *config.Config
	session *projection.Session
}

// NewHandler creates a handler for session.
func NewHandler(cfg *config.Config, session *projection.Session) *Handler {
	return &Handler{config: cfg, session: session}
}

// Session returns the session the handler drives.
func (h *Handler) Session() *projection.Session {
	return h.session
}

// HandleMessage processes one message. Malformed messages are returned as
// errors; failures of the requested operation are reported in the Response.
func (h *Handler) HandleMessage(ctx context.Context, msg *Message) (*Response, error) {
	h.config.Log(2, "Message: type=%s id=%s", msg.Type, msg.ID)

	var resp *Response
	var err error
	switch msg.Type {
	case MsgVersion:
		resp = &Response{Result: VersionResponse{Version: h.session.Host().ProtocolVersion()}}
	case MsgCompileModule:
		resp, err = h.handleCompileModule(msg.Data)
	case MsgCompileQuery:
		resp, err = h.handleCompileQuery(msg.Data)
	case MsgExecute:
		resp, err = h.handleExecute(msg.Data)
	case MsgFeed:
		resp, err = h.handleFeed(ctx, msg.Data)
	case MsgErrors:
		resp, err = h.handleErrors(msg.Data)
	case MsgResults:
		resp, err = h.handleResults(msg.Data)
	case MsgDispose:
		resp, err = h.handleDispose(msg.Data)
	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if resp != nil {
		resp.ID = msg.ID
	}
	return resp, err
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid message data: %w", err)
	}
	return nil
}

func failure(err error) *Response {
	return &Response{Error: err.Error()}
}

func (h *Handler) handleCompileModule(data json.RawMessage) (*Response, error) {
	var msg CompileModuleMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	if msg.File == "" {
		msg.File = "module.lua"
	}
	handle, err := h.session.CompileModule(msg.Source, msg.File)
	if err != nil {
		return failure(err), nil
	}
	diags, err := h.diagnostics(handle, msg.File)
	if err != nil {
		return failure(err), nil
	}
	return &Response{Result: CompileResponse{File: msg.File, Errors: diags}}, nil
}

func (h *Handler) handleCompileQuery(data json.RawMessage) (*Response, error) {
	var msg CompileQueryMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	if msg.Name == "" {
		return nil, fmt.Errorf("compile_query: missing name")
	}
	if msg.File == "" {
		msg.File = msg.Name + ".lua"
	}
	q, err := h.session.CompileQuery(msg.Name, msg.Source, msg.File)
	if err != nil {
		return failure(err), nil
	}
	diags, err := h.session.QueryDiagnostics(msg.Name)
	if err != nil {
		return failure(err), nil
	}
	return &Response{Result: CompileResponse{
		Name:     q.Name,
		File:     q.File,
		Handlers: q.HandlerNames(),
		Errors:   diags,
	}}, nil
}

func (h *Handler) handleExecute(data json.RawMessage) (*Response, error) {
	var msg ExecuteMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	ev := projection.Event{Handler: msg.Handler, Data: msg.Data, Aux: msg.Aux}
	payload, aux := ev.Payloads()

	prior, err := h.session.QueryDiagnostics(msg.Query)
	if err != nil {
		return failure(err), nil
	}
	results, err := h.session.Dispatch(msg.Query, msg.Handler, payload, aux)
	if err != nil {
		return failure(err), nil
	}
	resp := ExecuteResponse{Results: make([]ExecuteResult, len(results))}
	for i, r := range results {
		resp.Results[i] = ExecuteResult{Ref: int64(r.Ref), Payload: r.Payload}
	}
	diags, err := h.session.QueryDiagnostics(msg.Query)
	if err != nil {
		return failure(err), nil
	}
	if len(diags) > len(prior) {
		resp.Errors = diags[len(prior):]
	}
	return &Response{Result: resp}, nil
}

func (h *Handler) handleFeed(ctx context.Context, data json.RawMessage) (*Response, error) {
	var msg FeedMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	stats, err := h.session.Feed(ctx, msg.Query, msg.Events)
	if err != nil {
		return &Response{Result: stats, Error: err.Error()}, nil
	}
	return &Response{Result: stats}, nil
}

func (h *Handler) handleErrors(data json.RawMessage) (*Response, error) {
	var msg ErrorsMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	var diags []projection.Diagnostic
	if msg.Query != "" {
		var err error
		if diags, err = h.session.QueryDiagnostics(msg.Query); err != nil {
			return failure(err), nil
		}
	} else {
		var err error
		if diags, err = h.session.Diagnostics(); err != nil {
			return failure(err), nil
		}
	}
	if diags == nil {
		diags = []projection.Diagnostic{}
	}
	if msg.Clear {
		if err := h.clear(msg.Query); err != nil {
			return failure(err), nil
		}
	}
	return &Response{Result: ErrorsResponse{Errors: diags}}, nil
}

func (h *Handler) handleResults(data json.RawMessage) (*Response, error) {
	var msg QueryMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	store := h.session.Store()
	if store == nil {
		return failure(fmt.Errorf("no result store configured")), nil
	}
	records, err := store.List(msg.Query)
	if err != nil {
		return failure(err), nil
	}
	return &Response{Result: ResultsResponse{Results: records}}, nil
}

func (h *Handler) handleDispose(data json.RawMessage) (*Response, error) {
	var msg QueryMessage
	if err := decode(data, &msg); err != nil {
		return nil, err
	}
	if err := h.session.DisposeQuery(msg.Query); err != nil {
		return failure(err), nil
	}
	return &Response{Result: map[string]string{"disposed": msg.Query}}, nil
}

func (h *Handler) diagnostics(handle host.Handle, file string) ([]projection.Diagnostic, error) {
	var out []projection.Diagnostic
	err := h.session.Host().ReportErrors(handle, func(msg string, loc script.Location) {
		out = append(out, projection.Diagnostic{Script: file, Message: msg, Location: loc})
	})
	return out, err
}

func (h *Handler) clear(query string) error {
	if query == "" {
		return h.session.ClearDiagnostics()
	}
	q, ok := h.session.Query(query)
	if !ok {
		return fmt.Errorf("%w: %s", projection.ErrUnknownQuery, query)
	}
	return h.session.Host().ClearErrors(q.Handle)
}
