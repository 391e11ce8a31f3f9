// Package projection drives the host boundary for a real projection: one
// prelude, its modules and a set of named queries fed from an event stream.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/host"
	"github.com/zot/projhost/internal/script"
	"github.com/zot/projhost/internal/storage"
)

var (
	ErrUnknownQuery   = errors.New("unknown query")
	ErrUnknownHandler = errors.New("unknown handler")
	ErrClosed         = errors.New("session is closed")
)

// Options configure a Session.
type Options struct {
	Prelude     string // prelude source
	PreludeFile string
	Loader      script.ModuleLoader
	Logger      script.Logger // defaults to the config log with a [lua] prefix
	Reverse     ReverseTable
	Store       storage.Store // optional; not closed by the session
}

// Query is a compiled query and the handler names it declared.
type Query struct {
	Name   string
	File   string
	Handle host.Handle

	refs  map[string][]script.HandlerRef // handler name -> refs in declaration order
	names []string                       // distinct handler names in declaration order
}

// HandlerNames returns the distinct handler names in declaration order.
func (q *Query) HandlerNames() []string {
	return append([]string(nil), q.names...)
}

// Refs returns the references registered under name, in declaration order.
func (q *Query) Refs(name string) []script.HandlerRef {
	return append([]script.HandlerRef(nil), q.refs[name]...)
}

// Session owns a host and everything compiled in it. It is not safe for
// concurrent use; transports serialize access to it.
type Session struct {
	config      *config.Config
	host        *host.Host
	prelude     host.Handle
	preludeFile string
	modules     []moduleEntry
	queries     map[string]*Query
	store       storage.Store
	reverse     ReverseTable
	nextRef     script.HandlerRef
	closed      bool
}

type moduleEntry struct {
	file   string
	handle host.Handle
}

// NewSession compiles and runs the prelude. A prelude that fails still
// yields a session; its diagnostics are reported by Diagnostics.
func NewSession(cfg *config.Config, opts Options) *Session {
	s := &Session{
		config:  cfg,
		host:    host.New(cfg),
		queries: make(map[string]*Query),
		store:   opts.Store,
		reverse: opts.Reverse,
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(level int, msg string) {
			cfg.Log(level, "[lua] %s", msg)
		}
	}
	file := opts.PreludeFile
	if file == "" {
		file = "prelude.lua"
	}
	s.preludeFile = file
	s.prelude = s.host.CompilePrelude(opts.Prelude, file, opts.Loader, logger)
	return s
}

// Log logs a message at the given verbosity level.
func (s *Session) Log(level int, format string, args ...interface{}) {
	s.config.Log(level, format, args...)
}

// Host returns the boundary the session drives.
func (s *Session) Host() *host.Host {
	return s.host
}

// Prelude returns the prelude handle.
func (s *Session) Prelude() host.Handle {
	return s.prelude
}

// Store returns the result store, which may be nil.
func (s *Session) Store() storage.Store {
	return s.store
}

// CompileModule compiles and runs a module in the session's prelude.
func (s *Session) CompileModule(source, file string) (host.Handle, error) {
	if s.closed {
		return 0, ErrClosed
	}
	h, err := s.host.CompileModule(s.prelude, source, file)
	if err != nil {
		return 0, err
	}
	s.modules = append(s.modules, moduleEntry{file: file, handle: h})
	return h, nil
}

// CompileQuery compiles and runs a query under name, replacing any query
// already compiled under that name. Handler declarations are numbered from
// a session-wide counter, so every reference is unique in the session.
func (s *Session) CompileQuery(name, source, file string) (*Query, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if old, ok := s.queries[name]; ok {
		if err := s.DisposeQuery(name); err != nil {
			return nil, fmt.Errorf("replace query %s: %w", old.Name, err)
		}
	}

	q := &Query{Name: name, File: file, refs: make(map[string][]script.HandlerRef)}
	register := func(handler string) script.HandlerRef {
		s.nextRef++
		if _, seen := q.refs[handler]; !seen {
			q.names = append(q.names, handler)
		}
		q.refs[handler] = append(q.refs[handler], s.nextRef)
		s.Log(3, "query %s registered handler %s as %d", name, handler, s.nextRef)
		return s.nextRef
	}
	var reverse script.ReverseCommand
	if s.reverse != nil {
		reverse = s.reverse.Reverse
	}

	h, err := s.host.CompileQuery(s.prelude, source, file, register, reverse)
	if err != nil {
		return nil, err
	}
	q.Handle = h
	s.queries[name] = q
	return q, nil
}

// Query returns the query compiled under name.
func (s *Session) Query(name string) (*Query, bool) {
	q, ok := s.queries[name]
	return q, ok
}

// Queries returns the compiled queries sorted by name.
func (s *Session) Queries() []*Query {
	out := make([]*Query, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DisposeQuery disposes the query compiled under name.
func (s *Session) DisposeQuery(name string) error {
	q, ok := s.queries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	delete(s.queries, name)
	return s.host.Dispose(q.Handle)
}

// Result is the outcome of calling one handler reference. Payload is nil
// when the call failed; the failure is recorded on the query.
type Result struct {
	Ref     script.HandlerRef
	Payload json.RawMessage
}

// Dispatch calls every handler the query registered under handler, in
// declaration order, and returns one Result per call. Result buffers are
// copied and freed before Dispatch returns.
func (s *Session) Dispatch(query, handler, data string, aux []string) ([]Result, error) {
	if s.closed {
		return nil, ErrClosed
	}
	q, ok := s.queries[query]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, query)
	}
	refs := q.refs[handler]
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s in query %s", ErrUnknownHandler, handler, query)
	}

	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		res, payload, err := s.host.ExecuteHandler(q.Handle, ref, data, aux)
		if err != nil {
			return results, err
		}
		r := Result{Ref: ref}
		if res != 0 {
			r.Payload = json.RawMessage(payload)
			if err := s.host.FreeResult(res); err != nil {
				return results, err
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// FeedStats summarizes a Feed call.
type FeedStats struct {
	Events  int `json:"events"`
	Results int `json:"results"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Feed dispatches events to a query in order and appends every result to
// the store in one transaction. Events naming a handler the query does not
// declare are skipped. ctx is checked between events; results of events
// already dispatched are kept when it is cancelled.
func (s *Session) Feed(ctx context.Context, query string, events []Event) (FeedStats, error) {
	var stats FeedStats
	if _, ok := s.queries[query]; !ok {
		return stats, fmt.Errorf("%w: %s", ErrUnknownQuery, query)
	}

	var tx storage.Transaction
	if s.store != nil {
		var err error
		if tx, err = s.store.BeginTransaction(); err != nil {
			return stats, fmt.Errorf("begin results transaction: %w", err)
		}
	}
	finish := func(err error) (FeedStats, error) {
		if tx != nil {
			if cerr := tx.Commit(); cerr != nil && err == nil {
				err = fmt.Errorf("commit results: %w", cerr)
			}
		}
		s.Log(1, "fed %d events to %s: %d results, %d failed, %d skipped",
			stats.Events, query, stats.Results, stats.Failed, stats.Skipped)
		return stats, err
	}

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		stats.Events++
		data, aux := ev.Payloads()
		results, err := s.Dispatch(query, ev.Handler, data, aux)
		if errors.Is(err, ErrUnknownHandler) {
			stats.Skipped++
			continue
		} else if err != nil {
			return finish(fmt.Errorf("event %d: %w", i, err))
		}
		for _, r := range results {
			if r.Payload == nil {
				stats.Failed++
				continue
			}
			stats.Results++
			if tx != nil {
				rec := &storage.Record{Query: query, Handler: ev.Handler, Event: i, Payload: r.Payload}
				if err := tx.Append(rec); err != nil {
					tx.Rollback()
					tx = nil
					return finish(fmt.Errorf("store result of event %d: %w", i, err))
				}
			}
		}
	}
	return finish(nil)
}

// Diagnostic is one error recorded on a script of the session.
type Diagnostic struct {
	Script   string          `json:"script"`
	Message  string          `json:"message"`
	Location script.Location `json:"location"`
}

// Diagnostics reports the errors recorded on the prelude, the modules and
// the queries, in that order. They are left in place. Scripts whose handles
// no longer resolve are skipped and their errors joined.
func (s *Session) Diagnostics() ([]Diagnostic, error) {
	var out []Diagnostic
	var errs []error
	for _, t := range s.targets() {
		err := s.host.ReportErrors(t.handle, func(msg string, loc script.Location) {
			out = append(out, Diagnostic{Script: t.file, Message: msg, Location: loc})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.file, err))
		}
	}
	return out, errors.Join(errs...)
}

// QueryDiagnostics reports the errors recorded on one query.
func (s *Session) QueryDiagnostics(name string) ([]Diagnostic, error) {
	q, ok := s.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	var out []Diagnostic
	err := s.host.ReportErrors(q.Handle, func(msg string, loc script.Location) {
		out = append(out, Diagnostic{Script: q.File, Message: msg, Location: loc})
	})
	return out, err
}

// ClearDiagnostics drains the errors of every script in the session.
func (s *Session) ClearDiagnostics() error {
	var errs []error
	for _, t := range s.targets() {
		if err := s.host.ClearErrors(t.handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type target struct {
	file   string
	handle host.Handle
}

func (s *Session) targets() []target {
	if s.closed {
		return nil
	}
	out := []target{{file: s.preludeFile, handle: s.prelude}}
	for _, m := range s.modules {
		out = append(out, target{file: m.file, handle: m.handle})
	}
	for _, q := range s.Queries() {
		out = append(out, target{file: q.File, handle: q.Handle})
	}
	return out
}

// Close disposes the queries and modules, then the prelude.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	var errs []error
	for _, q := range s.Queries() {
		if err := s.DisposeQuery(q.Name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range s.modules {
		if err := s.host.Dispose(m.handle); err != nil {
			errs = append(errs, err)
		}
	}
	s.modules = nil
	if err := s.host.Dispose(s.prelude); err != nil {
		errs = append(errs, err)
	}
	s.closed = true
	return errors.Join(errs...)
}
