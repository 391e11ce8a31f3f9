// Package host is the handle-based boundary an embedding engine drives:
// it compiles preludes, modules and queries, dispatches handler calls and
// hands out result buffers, all addressed by generation-checked handles.
//
// The handle table is guarded by a mutex held only while the table is read
// or written, never while a script runs, so script callbacks may reenter
// the Host. Scripts sharing a prelude must still be driven from one
// goroutine at a time.
package host

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/script"
)

// ProtocolVersion identifies the behaviour of the boundary operations.
const ProtocolVersion = 1

// Contract violations returned by boundary operations.
var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrWrongKind       = errors.New("handle has the wrong kind")
	ErrDisposed        = script.ErrDisposed
	ErrPreludeDisposed = script.ErrPreludeDisposed
)

// Host owns every script and result it has handed out a handle for.
type Host struct {
	cfg     *config.Config
	mu      sync.Mutex
	handles table
}

// New creates a host. cfg is used for logging and may be nil.
func New(cfg *config.Config) *Host {
	return &Host{cfg: cfg}
}

// Log logs a message at the given verbosity level.
func (h *Host) Log(level int, format string, args ...interface{}) {
	h.cfg.Log(level, format, args...)
}

// ProtocolVersion returns the boundary version callers must check first.
func (h *Host) ProtocolVersion() int {
	return ProtocolVersion
}

// CompilePrelude compiles and runs a prelude. The handle is always valid:
// a prelude that failed is Faulted and its diagnostics are reported through
// ReportErrors.
func (h *Host) CompilePrelude(source, fileName string, loader script.ModuleLoader, logger script.Logger) Handle {
	p := script.NewPrelude(loader, logger)
	if p.Compile(source, fileName) {
		p.Run()
	}
	handle := h.insert(kindPrelude, p)
	h.Log(1, "prelude %s compiled as %s: %s, %d errors", p.FileName(), handle, p.State(), len(p.Errors()))
	return handle
}

// CompileModule compiles and runs a module inside prelude's shared state.
func (h *Host) CompileModule(prelude Handle, source, fileName string) (Handle, error) {
	p, err := h.prelude(prelude)
	if err != nil {
		return 0, err
	}
	m := script.NewModule(p)
	if m.Compile(source, fileName) {
		m.Run()
	}
	handle := h.insert(kindModule, m)
	h.Log(1, "module %s compiled as %s: %s, %d errors", m.FileName(), handle, m.State(), len(m.Errors()))
	return handle, nil
}

// CompileQuery compiles and runs a query inside prelude's shared state.
// register is called once per handler the query declares, in declaration
// order, while the query runs.
func (h *Host) CompileQuery(prelude Handle, source, fileName string, register script.RegisterHandler, reverse script.ReverseCommand) (Handle, error) {
	p, err := h.prelude(prelude)
	if err != nil {
		return 0, err
	}
	q := script.NewQuery(p, register, reverse)
	if q.Compile(source, fileName) {
		q.Run()
	}
	handle := h.insert(kindQuery, q)
	h.Log(1, "query %s compiled as %s: %s, %d handlers, %d errors",
		q.FileName(), handle, q.State(), len(q.Handlers()), len(q.Errors()))
	return handle, nil
}

// Dispose releases a prelude, module or query handle. The handle is invalid
// afterwards. Dependents of a disposed prelude report ErrPreludeDisposed
// when used.
func (h *Host) Dispose(handle Handle) error {
	h.mu.Lock()
	e, err := h.handles.get(handle)
	if err == nil && e.kind == kindResult {
		err = fmt.Errorf("%w: dispose %s, use FreeResult", ErrWrongKind, handle)
	}
	var value any
	if err == nil {
		value, err = h.handles.remove(handle)
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.Log(1, "dispose %s", handle)
	return value.(script.Script).Dispose()
}

// ExecuteHandler calls the handler registered under ref in query. A failed
// call returns the absent pair (0, "") and records one diagnostic on the
// query; the error result is reserved for contract violations.
func (h *Host) ExecuteHandler(query Handle, ref script.HandlerRef, data string, aux []string) (Handle, string, error) {
	q, err := h.query(query)
	if err != nil {
		return 0, "", err
	}
	h.Log(2, "execute %s handler %d", query, ref)
	h.Log(4, "execute %s data %s aux %v", query, data, aux)

	res, err := q.Execute(ref, data, aux)
	if err != nil {
		return 0, "", fmt.Errorf("execute %s: %w", query, err)
	}
	if res == nil {
		h.Log(2, "execute %s handler %d produced no result", query, ref)
		return 0, "", nil
	}
	return h.insert(kindResult, res), res.Payload(), nil
}

// FreeResult releases a result returned by ExecuteHandler. Freeing the same
// handle twice returns ErrInvalidHandle.
func (h *Host) FreeResult(result Handle) error {
	h.mu.Lock()
	e, err := h.handles.get(result)
	if err == nil && e.kind != kindResult {
		err = fmt.Errorf("%w: free %s", ErrWrongKind, result)
	}
	var value any
	if err == nil {
		value, err = h.handles.remove(result)
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return value.(*script.Result).Free()
}

// ReportErrors calls fn once per diagnostic recorded on the script, in
// recording order. The diagnostics are kept; see ClearErrors.
func (h *Host) ReportErrors(handle Handle, fn script.ReportError) error {
	s, err := h.script(handle)
	if err != nil {
		return err
	}
	return s.ReportErrors(fn)
}

// ClearErrors drains the diagnostics recorded on the script.
func (h *Host) ClearErrors(handle Handle) error {
	s, err := h.script(handle)
	if err != nil {
		return err
	}
	return s.ClearErrors()
}

// Errors returns the diagnostics recorded on the script.
func (h *Host) Errors(handle Handle) ([]script.Error, error) {
	s, err := h.script(handle)
	if err != nil {
		return nil, err
	}
	return s.Errors(), nil
}

// State returns the lifecycle state of the script.
func (h *Host) State(handle Handle) (script.State, error) {
	s, err := h.script(handle)
	if err != nil {
		return 0, err
	}
	return s.State(), nil
}

// Handlers returns the handler registry of a query.
func (h *Host) Handlers(query Handle) ([]script.Handler, error) {
	q, err := h.query(query)
	if err != nil {
		return nil, err
	}
	return q.Handlers(), nil
}

// Live returns the number of handles that have not been disposed or freed.
func (h *Host) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles.len()
}

func (h *Host) insert(kind handleKind, value any) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles.insert(kind, value)
}

func (h *Host) lookup(handle Handle, kinds ...handleKind) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.handles.get(handle)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if e.kind == k {
			return e.value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWrongKind, handle)
}

func (h *Host) prelude(handle Handle) (*script.Prelude, error) {
	v, err := h.lookup(handle, kindPrelude)
	if err != nil {
		return nil, err
	}
	return v.(*script.Prelude), nil
}

func (h *Host) query(handle Handle) (*script.Query, error) {
	v, err := h.lookup(handle, kindQuery)
	if err != nil {
		return nil, err
	}
	return v.(*script.Query), nil
}

func (h *Host) script(handle Handle) (script.Script, error) {
	v, err := h.lookup(handle, kindPrelude, kindModule, kindQuery)
	if err != nil {
		return nil, err
	}
	return v.(script.Script), nil
}
