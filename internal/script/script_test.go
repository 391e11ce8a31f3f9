package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testLoader serves modules from a map and counts resolutions per name.
type testLoader struct {
	sources map[string]string
	calls   map[string]int
}

func newTestLoader(sources map[string]string) *testLoader {
	return &testLoader{sources: sources, calls: make(map[string]int)}
}

func (l *testLoader) load(name string) (string, error) {
	l.calls[name]++
	src, ok := l.sources[name]
	if !ok {
		return "", fmt.Errorf("not found")
	}
	return src, nil
}

type logEntry struct {
	Level   int
	Message string
}

// newRunningPrelude compiles and runs a prelude, failing the test on diagnostics.
func newRunningPrelude(t *testing.T, source string, loader *testLoader, logs *[]logEntry) *Prelude {
	t.Helper()
	var load ModuleLoader
	if loader != nil {
		load = loader.load
	}
	p := NewPrelude(load, func(level int, msg string) {
		if logs != nil {
			*logs = append(*logs, logEntry{level, msg})
		}
	})
	if !p.Compile(source, "prelude.lua") {
		t.Fatalf("prelude failed to compile: %v", p.Errors())
	}
	p.Run()
	if errs := p.Errors(); len(errs) != 0 {
		t.Fatalf("prelude errors: %v", errs)
	}
	return p
}

func compileQuery(p *Prelude, source string, register RegisterHandler, reverse ReverseCommand) *Query {
	q := NewQuery(p, register, reverse)
	if q.Compile(source, "query.lua") {
		q.Run()
	}
	return q
}

func errorKinds(errs []Error) []ErrorKind {
	kinds := make([]ErrorKind, len(errs))
	for i, e := range errs {
		kinds[i] = e.Kind
	}
	return kinds
}

func decode(t *testing.T, payload string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		t.Fatalf("result %q is not JSON: %v", payload, err)
	}
	return v
}

func TestPreludeWithoutDependenciesRunsCleanly(t *testing.T) {
	p := newRunningPrelude(t, `
		helpers = {}
		function helpers.add(a, b) return a + b end
	`, nil, nil)
	defer p.Dispose()

	if p.State() != Running {
		t.Errorf("State() = %v, want Running", p.State())
	}
	if len(p.Errors()) != 0 {
		t.Errorf("Errors() = %v, want none", p.Errors())
	}
}

func TestPreludeSyntaxError(t *testing.T) {
	p := NewPrelude(nil, nil)
	defer p.Dispose()

	if p.Compile("local x = \nfunction (", "prelude.lua") {
		t.Fatal("Compile succeeded on invalid source")
	}
	p.Run()
	if p.State() != Faulted {
		t.Errorf("State() = %v, want Faulted", p.State())
	}

	errs := p.Errors()
	if len(errs) == 0 || errs[0].Kind != CompileError {
		t.Fatalf("Errors() = %v, want a CompileError", errs)
	}
	if errs[0].Location.File != "prelude.lua" {
		t.Errorf("Location.File = %q, want prelude.lua", errs[0].Location.File)
	}

	var reported []string
	p.ReportErrors(func(msg string, loc Location) {
		reported = append(reported, msg)
	})
	if len(reported) == 0 || !strings.HasPrefix(reported[0], "CompileError") {
		t.Errorf("ReportErrors reported %v, want a CompileError first", reported)
	}

	q := compileQuery(p, `register_command_handler("on_event", function() end)`, nil, nil)
	defer q.Dispose()
	if q.State() != Faulted {
		t.Errorf("query State() = %v, want Faulted", q.State())
	}
	if len(q.Errors()) == 0 {
		t.Error("query against a faulted prelude recorded no errors")
	}

	m := NewModule(p)
	defer m.Dispose()
	if m.Compile("x = 1", "m.lua") {
		m.Run()
	}
	if m.State() != Faulted {
		t.Errorf("module State() = %v, want Faulted", m.State())
	}
}

func TestRequireUnresolvableModule(t *testing.T) {
	loader := newTestLoader(nil)
	p := newRunningPrelude(t, ``, loader, nil)
	defer p.Dispose()

	q := compileQuery(p, `local lib = require("missing")`, nil, nil)
	defer q.Dispose()

	if q.State() != Faulted {
		t.Errorf("State() = %v, want Faulted", q.State())
	}
	if diff := cmp.Diff([]ErrorKind{ModuleLoadError}, errorKinds(q.Errors())); diff != "" {
		t.Errorf("error kinds mismatch (-want +got):\n%s", diff)
	}
	if got := q.Errors()[0].Location; got.File != "query.lua" || got.Line != 1 {
		t.Errorf("Location = %+v, want query.lua line 1", got)
	}
	if loader.calls["missing"] != 1 {
		t.Errorf("loader called %d times, want 1", loader.calls["missing"])
	}
}

func TestRequireFailureResolvedOncePerRun(t *testing.T) {
	loader := newTestLoader(nil)
	p := newRunningPrelude(t, ``, loader, nil)
	defer p.Dispose()

	q := compileQuery(p, `
		local ok1, err1 = pcall(require, "missing")
		local ok2, err2 = pcall(require, "missing")
		assert(not ok1 and not ok2)
		assert(tostring(err1) == tostring(err2))
	`, nil, nil)
	defer q.Dispose()

	if q.State() != Running {
		t.Errorf("State() = %v, want Running (errors %v)", q.State(), q.Errors())
	}
	if diff := cmp.Diff([]ErrorKind{ModuleLoadError}, errorKinds(q.Errors())); diff != "" {
		t.Errorf("error kinds mismatch (-want +got):\n%s", diff)
	}
	if loader.calls["missing"] != 1 {
		t.Errorf("loader called %d times, want 1", loader.calls["missing"])
	}
}

func TestRequireLoadsNestedModules(t *testing.T) {
	loader := newTestLoader(map[string]string{
		"math2": `
			local util = require("util")
			return { double = function(x) return util.twice(x) end }
		`,
		"util": `return { twice = function(x) return x * 2 end }`,
	})
	var logs []logEntry
	p := newRunningPrelude(t, `log("prelude ready")`, loader, &logs)
	defer p.Dispose()

	q := compileQuery(p, `
		local m = require("math2")
		local again = require("math2")
		assert(m == again)
		register_command_handler("double", function(data)
			return { value = m.double(data.value) }
		end)
	`, nil, nil)
	defer q.Dispose()

	if len(q.Errors()) != 0 {
		t.Fatalf("query errors: %v", q.Errors())
	}
	if loader.calls["math2"] != 1 || loader.calls["util"] != 1 {
		t.Errorf("loader calls = %v, want one per module", loader.calls)
	}
	if !p.Loaded("math2") || !p.Loaded("util") {
		t.Error("nested modules not recorded as loaded")
	}

	res, err := q.Execute(q.Handlers()[0].Ref, `{"value": 21}`, nil)
	if err != nil || res == nil {
		t.Fatalf("Execute() = %v, %v; errors %v", res, err, q.Errors())
	}
	if diff := cmp.Diff(map[string]any{"value": 42.0}, decode(t, res.Payload())); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestNestedModuleFailureAttributedToRequirer(t *testing.T) {
	loader := newTestLoader(map[string]string{
		"broken": `error("cannot initialise")`,
	})
	p := newRunningPrelude(t, ``, loader, nil)
	defer p.Dispose()

	q := compileQuery(p, `require("broken")`, nil, nil)
	defer q.Dispose()

	errs := q.Errors()
	if diff := cmp.Diff([]ErrorKind{ModuleLoadError}, errorKinds(errs)); diff != "" {
		t.Fatalf("error kinds mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(errs[0].Message, "cannot initialise") {
		t.Errorf("message %q does not carry the module failure", errs[0].Message)
	}
	if p.Loaded("broken") {
		t.Error("failed module left in the loaded table")
	}
}

func TestDuplicateHandlerNamesGetDistinctRefs(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	var registered []string
	next := HandlerRef(100)
	q := compileQuery(p, `
		register_command_handler("on_event", function() return 1 end)
		register_command_handler("on_event", function() return 2 end)
		register_command_handler("on_other", function() return 3 end)
	`, func(name string) HandlerRef {
		registered = append(registered, name)
		next++
		return next
	}, nil)
	defer q.Dispose()

	if diff := cmp.Diff([]string{"on_event", "on_event", "on_other"}, registered); diff != "" {
		t.Errorf("registration order mismatch (-want +got):\n%s", diff)
	}
	handlers := q.Handlers()
	if len(handlers) != 3 {
		t.Fatalf("len(Handlers()) = %d, want 3", len(handlers))
	}
	if handlers[0].Ref == handlers[1].Ref {
		t.Errorf("duplicate names share reference %d", handlers[0].Ref)
	}
	for i, h := range handlers {
		if h.Order != i {
			t.Errorf("handler %d has Order %d", i, h.Order)
		}
	}

	for i, want := range []string{"1", "2", "3"} {
		res, _ := q.Execute(handlers[i].Ref, `{}`, nil)
		if res == nil || res.Payload() != want {
			t.Errorf("handler %d returned %v, want %s", i, res, want)
		}
	}
}

func TestExecuteReturnsEncodedValue(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	q := compileQuery(p, `
		register_command_handler("on_event", function(data)
			return { ok = true }
		end)
	`, nil, nil)
	defer q.Dispose()

	res, err := q.Execute(q.Handlers()[0].Ref, `{}`, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res == nil {
		t.Fatalf("Execute() returned no result; errors %v", q.Errors())
	}
	if diff := cmp.Diff(map[string]any{"ok": true}, decode(t, res.Payload())); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if err := res.Free(); err != nil {
		t.Errorf("Free() = %v", err)
	}
	if err := res.Free(); err == nil {
		t.Error("second Free() succeeded")
	}
}

func TestExecuteArgumentOrder(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	q := compileQuery(p, `
		register_command_handler("collect", function(data, first, second)
			return { data.n, first.name, second, select("#", data, first, second) }
		end)
	`, nil, nil)
	defer q.Dispose()

	res, _ := q.Execute(q.Handlers()[0].Ref, `{"n": 7}`, []string{`{"name": "a"}`, `"b"`})
	if res == nil {
		t.Fatalf("no result; errors %v", q.Errors())
	}
	want := []any{7.0, "a", "b", 3.0}
	if diff := cmp.Diff(want, decode(t, res.Payload())); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteFailures(t *testing.T) {
	tests := []struct {
		name     string
		handler  string
		data     string
		wantKind ErrorKind
		wantText string
	}{
		{"raises", `function() error("boom") end`, `{}`, RuntimeError, "boom"},
		{"returns function", `function() return print end`, `{}`, MarshalError, "function"},
		{"returns cycle", `function() local t = {} t.self = t return t end`, `{}`, MarshalError, "cycle"},
		{"returns NaN", `function() return 0/0 end`, `{}`, MarshalError, "cannot be encoded"},
		{"mixed keys", `function() return {1, 2, x = 3} end`, `{}`, MarshalError, "mixes"},
		{"huge index", `function() local t = {} t[1e20] = "x" return t end`, `{}`, MarshalError, "out of range"},
		{"raw bytes", `function() return "\255\254" end`, `{}`, MarshalError, "UTF-8"},
		{"bad input", `function() return 1 end`, `{not json`, RuntimeError, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRunningPrelude(t, ``, nil, nil)
			defer p.Dispose()

			q := compileQuery(p, "register_command_handler(\"h\", "+tt.handler+")", nil, nil)
			defer q.Dispose()
			if len(q.Errors()) != 0 {
				t.Fatalf("query errors: %v", q.Errors())
			}

			res, err := q.Execute(q.Handlers()[0].Ref, tt.data, nil)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res != nil {
				t.Errorf("Execute() returned %q, want no result", res.Payload())
			}
			errs := q.Errors()
			if len(errs) != 1 {
				t.Fatalf("recorded %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", errs[0].Kind, tt.wantKind)
			}
			if !strings.Contains(errs[0].Message, tt.wantText) {
				t.Errorf("Message = %q, want it to contain %q", errs[0].Message, tt.wantText)
			}
		})
	}
}

func TestExecuteRaisedErrorLocation(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	q := compileQuery(p, "register_command_handler(\"h\", function()\n  error(\"boom\")\nend)", nil, nil)
	defer q.Dispose()

	q.Execute(q.Handlers()[0].Ref, `{}`, nil)
	errs := q.Errors()
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	if errs[0].Location.File != "query.lua" || errs[0].Location.Line != 2 {
		t.Errorf("Location = %+v, want query.lua:2", errs[0].Location)
	}
}

func TestExecuteUnknownHandler(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()
	q := compileQuery(p, ``, nil, nil)
	defer q.Dispose()

	res, err := q.Execute(42, `{}`, nil)
	if res != nil || err != nil {
		t.Fatalf("Execute() = %v, %v; want no result and no error", res, err)
	}
	if diff := cmp.Diff([]ErrorKind{RuntimeError}, errorKinds(q.Errors())); diff != "" {
		t.Errorf("error kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestNilReturnEncodesAsNull(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()
	q := compileQuery(p, `register_command_handler("h", function() end)`, nil, nil)
	defer q.Dispose()

	res, _ := q.Execute(q.Handlers()[0].Ref, `{}`, nil)
	if res == nil || res.Payload() != "null" {
		t.Errorf("Execute() = %v, want null payload", res)
	}
}

func TestLoggerReceivesScriptLogs(t *testing.T) {
	var logs []logEntry
	p := newRunningPrelude(t, `log("init")`, nil, &logs)
	defer p.Dispose()

	if diff := cmp.Diff([]logEntry{{0, "init"}}, logs); diff != "" {
		t.Fatalf("logs mismatch (-want +got):\n%s", diff)
	}

	q := compileQuery(p, `
		log(2, "query loaded")
		register_command_handler("h", function(data) log(3, data.msg) return true end)
	`, nil, nil)
	defer q.Dispose()
	q.Execute(q.Handlers()[0].Ref, `{"msg": "handled"}`, nil)

	want := []logEntry{{0, "init"}, {2, "query loaded"}, {3, "handled"}}
	if diff := cmp.Diff(want, logs); diff != "" {
		t.Errorf("logs mismatch (-want +got):\n%s", diff)
	}
}

func TestReverseCommand(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	var forwards []string
	reverse := func(forward json.RawMessage) (json.RawMessage, bool) {
		forwards = append(forwards, string(forward))
		var cmd struct{ Type string }
		json.Unmarshal(forward, &cmd)
		if cmd.Type != "Deposit" {
			return nil, false
		}
		return json.RawMessage(`{"type":"Withdraw"}`), true
	}

	q := compileQuery(p, `
		register_command_handler("undo", function(cmd)
			local r = reverse_command(cmd)
			if r == nil then return { none = true } end
			return { reverse = r.type }
		end)
	`, nil, reverse)
	defer q.Dispose()

	ref := q.Handlers()[0].Ref
	res, _ := q.Execute(ref, `{"type":"Deposit","amount":5}`, nil)
	if res == nil {
		t.Fatalf("no result; errors %v", q.Errors())
	}
	if diff := cmp.Diff(map[string]any{"reverse": "Withdraw"}, decode(t, res.Payload())); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	res, _ = q.Execute(ref, `{"type":"Close"}`, nil)
	if res == nil || res.Payload() != `{"none":true}` {
		t.Errorf("Execute() = %v, want none marker", res)
	}
	if len(forwards) != 2 || !strings.Contains(forwards[0], `"amount":5`) {
		t.Errorf("forward descriptors = %v", forwards)
	}
}

func TestRegisterOutsideQueryIsRuntimeError(t *testing.T) {
	p := NewPrelude(nil, nil)
	defer p.Dispose()
	if !p.Compile(`register_command_handler("h", function() end)`, "prelude.lua") {
		t.Fatal("compile failed")
	}
	p.Run()
	if diff := cmp.Diff([]ErrorKind{RuntimeError}, errorKinds(p.Errors())); diff != "" {
		t.Errorf("error kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestHostCallbackPanicIsRecorded(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	defer p.Dispose()

	q := compileQuery(p, `register_command_handler("h", function() end)`, func(string) HandlerRef {
		panic("registry unavailable")
	}, nil)
	defer q.Dispose()

	if q.State() != Faulted {
		t.Errorf("State() = %v, want Faulted", q.State())
	}
	errs := q.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "registry unavailable") {
		t.Errorf("Errors() = %v", errs)
	}
}

func TestReportErrorsDoesNotClear(t *testing.T) {
	p := NewPrelude(nil, nil)
	defer p.Dispose()
	p.Compile("local = 1", "prelude.lua")

	count := func() int {
		n := 0
		p.ReportErrors(func(string, Location) { n++ })
		return n
	}
	first := count()
	if first == 0 {
		t.Fatal("no errors reported")
	}
	if second := count(); second != first {
		t.Errorf("second report saw %d errors, want %d", second, first)
	}
	if err := p.ClearErrors(); err != nil {
		t.Fatalf("ClearErrors() = %v", err)
	}
	if n := count(); n != 0 {
		t.Errorf("after ClearErrors reported %d errors", n)
	}
}

func TestDisposeIsAbsorbing(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	q := compileQuery(p, `register_command_handler("h", function() return 1 end)`, nil, nil)
	ref := q.Handlers()[0].Ref

	if err := q.Dispose(); err != nil {
		t.Fatalf("Dispose() = %v", err)
	}
	if q.State() != Disposed {
		t.Errorf("State() = %v, want Disposed", q.State())
	}
	if err := q.Dispose(); !errors.Is(err, ErrDisposed) {
		t.Errorf("second Dispose() = %v, want ErrDisposed", err)
	}
	if _, err := q.Execute(ref, `{}`, nil); !errors.Is(err, ErrDisposed) {
		t.Errorf("Execute() after Dispose = %v, want ErrDisposed", err)
	}
	if err := q.ReportErrors(func(string, Location) {}); !errors.Is(err, ErrDisposed) {
		t.Errorf("ReportErrors() after Dispose = %v, want ErrDisposed", err)
	}
	if err := p.Dispose(); err != nil {
		t.Errorf("prelude Dispose() = %v", err)
	}
}

func TestQueryAfterPreludeDisposed(t *testing.T) {
	p := newRunningPrelude(t, ``, nil, nil)
	q := compileQuery(p, `register_command_handler("h", function() return 1 end)`, nil, nil)
	defer q.Dispose()

	p.Dispose()
	if _, err := q.Execute(q.Handlers()[0].Ref, `{}`, nil); !errors.Is(err, ErrPreludeDisposed) {
		t.Errorf("Execute() = %v, want ErrPreludeDisposed", err)
	}
}

func TestModulesShareThePreludeState(t *testing.T) {
	p := newRunningPrelude(t, `counter = 0`, nil, nil)
	defer p.Dispose()

	m := NewModule(p)
	defer m.Dispose()
	if !m.Compile(`function bump() counter = counter + 1 return counter end`, "lib.lua") {
		t.Fatalf("module compile errors: %v", m.Errors())
	}
	m.Run()
	if m.State() != Running {
		t.Fatalf("module State() = %v, errors %v", m.State(), m.Errors())
	}

	q := compileQuery(p, `register_command_handler("bump", function() return bump() end)`, nil, nil)
	defer q.Dispose()
	ref := q.Handlers()[0].Ref
	q.Execute(ref, `{}`, nil)
	res, _ := q.Execute(ref, `{}`, nil)
	if res == nil || res.Payload() != "2" {
		t.Errorf("second bump = %v, want 2", res)
	}
}

func TestStateTransitions(t *testing.T) {
	p := NewPrelude(nil, nil)
	if p.State() != Uninitialized {
		t.Errorf("new prelude State() = %v", p.State())
	}
	p.Run()
	if p.State() != Uninitialized {
		t.Errorf("Run before Compile changed state to %v", p.State())
	}
	p.Compile(`x = 1`, "p.lua")
	if p.State() != Compiled {
		t.Errorf("after Compile State() = %v", p.State())
	}
	if p.Compile(`x = 2`, "p.lua") {
		t.Error("second Compile succeeded")
	}
	p.Run()
	if p.State() != Running {
		t.Errorf("after Run State() = %v", p.State())
	}
	p.Dispose()
	if p.State() != Disposed {
		t.Errorf("after Dispose State() = %v", p.State())
	}
}
