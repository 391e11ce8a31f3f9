package script

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// HandlerRef is the opaque reference the host assigns to a registered handler.
type HandlerRef int64

// RegisterHandler is called once per handler declaration, in declaration
// order, and returns the reference the host will dispatch with.
type RegisterHandler func(name string) HandlerRef

// ReverseCommand maps a forward command descriptor to the descriptor of its
// compensating command. ok is false when no reverse command exists.
type ReverseCommand func(forward json.RawMessage) (reverse json.RawMessage, ok bool)

// Handler is one handler registry entry.
type Handler struct {
	Name  string
	Ref   HandlerRef
	Order int
	fn    *lua.LFunction
}

// Query is a user script that declares command handlers while it runs.
type Query struct {
	base
	prelude    *Prelude
	onRegister RegisterHandler
	onReverse  ReverseCommand

	handlers []*Handler
	byRef    map[HandlerRef]*Handler
}

// NewQuery creates a query bound to prelude. The query does not own the
// prelude. A nil register capability numbers handlers in declaration order.
func NewQuery(prelude *Prelude, register RegisterHandler, reverse ReverseCommand) *Query {
	return &Query{
		base:       base{kind: KindQuery},
		prelude:    prelude,
		onRegister: register,
		onReverse:  reverse,
		byRef:      make(map[HandlerRef]*Handler),
	}
}

// Prelude returns the prelude this query runs in.
func (q *Query) Prelude() *Prelude {
	return q.prelude
}

// Compile parses the query source.
func (q *Query) Compile(source, fileName string) bool {
	return q.compile(source, fileName)
}

// Run executes the query body, which registers its handlers.
func (q *Query) Run() {
	if q.state != Compiled {
		return
	}
	if !dependentRunnable(q.prelude, &q.base) {
		return
	}
	q.prelude.exec(q, &q.base)
}

// Handlers returns the registry in declaration order.
func (q *Query) Handlers() []Handler {
	out := make([]Handler, len(q.handlers))
	for i, h := range q.handlers {
		out[i] = *h
	}
	return out
}

// Dispose releases the compiled form and the handler registry.
func (q *Query) Dispose() error {
	if err := q.release(); err != nil {
		return err
	}
	q.handlers = nil
	q.byRef = nil
	return nil
}

// register adds a registry entry. Names are not merged: every declaration
// gets its own entry and reference.
func (q *Query) register(name string, fn *lua.LFunction) (HandlerRef, error) {
	if q.state == Disposed {
		return 0, ErrDisposed
	}
	ref := HandlerRef(len(q.handlers) + 1)
	if q.onRegister != nil {
		if err := guard(func() { ref = q.onRegister(name) }); err != nil {
			return 0, err
		}
	}
	h := &Handler{Name: name, Ref: ref, Order: len(q.handlers), fn: fn}
	q.handlers = append(q.handlers, h)
	q.byRef[ref] = h
	return ref, nil
}

// reverse asks the host for the compensating command of forward.
func (q *Query) reverse(forward lua.LValue) (lua.LValue, error) {
	if q.onReverse == nil {
		return lua.LNil, nil
	}
	data, err := encodeValue(forward)
	if err != nil {
		return nil, fmt.Errorf("forward descriptor: %w", err)
	}
	var reverse json.RawMessage
	var ok bool
	if err := guard(func() { reverse, ok = q.onReverse(json.RawMessage(data)) }); err != nil {
		return nil, err
	}
	if !ok || len(reverse) == 0 {
		return lua.LNil, nil
	}
	v, err := decodeValue(q.prelude.L, string(reverse))
	if err != nil {
		return nil, fmt.Errorf("reverse descriptor: %w", err)
	}
	return v, nil
}
