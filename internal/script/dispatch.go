package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Result holds one encoded handler result. It is owned by whoever received
// it from Execute and is released with Free.
type Result struct {
	payload string
	freed   bool
}

// Payload returns the JSON text.
func (r *Result) Payload() string {
	return r.payload
}

// Free releases the result. A second call is a contract violation.
func (r *Result) Free() error {
	if r.freed {
		return fmt.Errorf("result already freed")
	}
	r.freed = true
	r.payload = ""
	return nil
}

// Execute invokes the handler registered under ref with the decoded data
// payload followed by the decoded auxiliary payloads, and encodes its first
// return value as JSON.
//
// A missing handler, undecodable input, a raised error or an unencodable
// return value yields a nil Result and exactly one recorded diagnostic. The
// returned error is reserved for contract violations.
func (q *Query) Execute(ref HandlerRef, data string, aux []string) (*Result, error) {
	if q.state == Disposed {
		return nil, ErrDisposed
	}
	if err := q.prelude.usable(); err != nil {
		return nil, err
	}

	h, ok := q.byRef[ref]
	if !ok {
		q.addError(Error{
			Kind:     RuntimeError,
			Message:  fmt.Sprintf("no handler registered with reference %d", ref),
			Location: Location{File: q.fileName},
		})
		return nil, nil
	}

	L := q.prelude.L
	args := make([]lua.LValue, 0, len(aux)+1)
	for i, payload := range append([]string{data}, aux...) {
		v, err := decodeValue(L, payload)
		if err != nil {
			q.addError(Error{
				Kind:     RuntimeError,
				Message:  fmt.Sprintf("handler %q: argument %d is not valid JSON: %v", h.Name, i+1, err),
				Location: h.location(q.fileName),
			})
			return nil, nil
		}
		args = append(args, v)
	}

	q.prelude.push(q)
	defer q.prelude.pop()

	if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 1, Protect: true}, args...); err != nil {
		if !q.prelude.isLoadFailure(err) {
			e := runtimeErrorFrom(RuntimeError, q.fileName, err)
			e.Message = fmt.Sprintf("handler %q: %s", h.Name, e.Message)
			q.addError(e)
		}
		return nil, nil
	}
	ret := L.Get(-1)
	L.Pop(1)

	payload, err := encodeValue(ret)
	if err != nil {
		q.addError(Error{
			Kind:     MarshalError,
			Message:  fmt.Sprintf("handler %q: %v", h.Name, err),
			Location: h.location(q.fileName),
		})
		return nil, nil
	}
	return &Result{payload: string(payload)}, nil
}

// location is where the handler function was defined.
func (h *Handler) location(fallback string) Location {
	if h.fn == nil || h.fn.IsG || h.fn.Proto == nil {
		return Location{File: fallback}
	}
	return Location{File: h.fn.Proto.SourceName, Line: h.fn.Proto.LineDefined}
}
