// Package script hosts layered Lua scripts: a prelude that owns the shared
// Lua state, modules that define reusable values inside it, and queries that
// register command handlers and process events through them.
//
// Every operation runs synchronously on the calling goroutine. Failures are
// recorded as diagnostics on the owning script instead of being returned or
// raised; only caller contract violations (using a disposed script, or a
// dependent of a disposed prelude) surface as Go errors.
package script

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// State is a script's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Compiled
	Faulted
	Running
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Compiled:
		return "Compiled"
	case Faulted:
		return "Faulted"
	case Running:
		return "Running"
	case Disposed:
		return "Disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Kind identifies which of the three script kinds a Script is.
type Kind int

const (
	KindPrelude Kind = iota + 1
	KindModule
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindPrelude:
		return "prelude"
	case KindModule:
		return "module"
	case KindQuery:
		return "query"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ReportError receives one diagnostic.
type ReportError func(message string, loc Location)

// Script is the lifecycle shared by preludes, modules and queries.
type Script interface {
	Kind() Kind
	FileName() string
	State() State

	// Compile parses source. It reports success and records CompileErrors on failure.
	Compile(source, fileName string) bool
	// Run executes the compiled top-level chunk, recording RuntimeErrors on failure.
	Run()

	Errors() []Error
	ReportErrors(fn ReportError) error
	ClearErrors() error

	Dispose() error
}

// base holds the state common to every script kind.
type base struct {
	kind     Kind
	fileName string
	source   string
	proto    *lua.FunctionProto
	state    State
	errors   []Error
}

func (b *base) Kind() Kind       { return b.kind }
func (b *base) FileName() string { return b.fileName }
func (b *base) State() State     { return b.state }

// Errors returns a copy of the recorded diagnostics in recording order.
func (b *base) Errors() []Error {
	out := make([]Error, len(b.errors))
	copy(out, b.errors)
	return out
}

// ReportErrors calls fn once per recorded diagnostic, in recording order.
// The list is left intact; ClearErrors drains it.
func (b *base) ReportErrors(fn ReportError) error {
	if b.state == Disposed {
		return ErrDisposed
	}
	for _, e := range b.Errors() {
		fn(e.Kind.String()+": "+e.Message, e.Location)
	}
	return nil
}

// ClearErrors drains the diagnostic list.
func (b *base) ClearErrors() error {
	if b.state == Disposed {
		return ErrDisposed
	}
	b.errors = nil
	return nil
}

func (b *base) addError(e Error) {
	b.errors = append(b.errors, e)
}

func (b *base) fault(e Error) {
	b.addError(e)
	b.state = Faulted
}

// compile parses and compiles source into a function prototype.
func (b *base) compile(source, fileName string) bool {
	if b.state != Uninitialized {
		return false
	}
	if fileName == "" {
		fileName = "<" + b.kind.String() + ">"
	}
	b.fileName = fileName
	b.source = source

	chunk, err := parse.Parse(strings.NewReader(source), fileName)
	if err != nil {
		b.fault(compileErrorFrom(fileName, err))
		return false
	}
	proto, err := lua.Compile(chunk, fileName)
	if err != nil {
		b.fault(compileErrorFrom(fileName, err))
		return false
	}
	b.proto = proto
	b.state = Compiled
	return true
}

// release drops the compiled form and marks the script disposed.
func (b *base) release() error {
	if b.state == Disposed {
		return ErrDisposed
	}
	b.proto = nil
	b.source = ""
	b.state = Disposed
	return nil
}
