package script

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// Contract violations. These are returned to the caller and never recorded
// as script diagnostics.
var (
	ErrDisposed        = errors.New("script is disposed")
	ErrPreludeDisposed = errors.New("prelude is disposed")
)

// ErrorKind classifies a recorded diagnostic.
type ErrorKind int

const (
	CompileError ErrorKind = iota
	RuntimeError
	ModuleLoadError
	MarshalError
)

func (k ErrorKind) String() string {
	switch k {
	case CompileError:
		return "CompileError"
	case RuntimeError:
		return "RuntimeError"
	case ModuleLoadError:
		return "ModuleLoadError"
	case MarshalError:
		return "MarshalError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Location is a position in a script source. Zero fields are unknown.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.File == "":
		return ""
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Error is one diagnostic recorded against a script.
type Error struct {
	Kind     ErrorKind
	Message  string
	Location Location
}

func (e Error) Error() string {
	if loc := e.Location.String(); loc != "" {
		return fmt.Sprintf("%s: %s: %s", loc, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	// gopher-lua parse errors: "name line:3(column:7) near 'x':   message"
	parseErrorPattern = regexp.MustCompile(`^(.*?) line:(\d+)\(column:(\d+)\) (.*)$`)
	// gopher-lua runtime errors: "name:3: message"
	runtimeErrorPattern = regexp.MustCompile(`(?s)^([^\n]*?):(\d+): (.*)$`)
)

// compileErrorFrom converts a parse or compile failure into a diagnostic.
func compileErrorFrom(fileName string, err error) Error {
	msg := firstLine(err.Error())
	loc := Location{File: fileName}
	if m := parseErrorPattern.FindStringSubmatch(msg); m != nil {
		loc.Line, _ = strconv.Atoi(m[2])
		loc.Column, _ = strconv.Atoi(m[3])
		msg = m[4]
	}
	return Error{Kind: CompileError, Message: msg, Location: loc}
}

// runtimeErrorFrom converts a PCall failure into a diagnostic.
// The stack trace is dropped; the location comes from the message prefix.
func runtimeErrorFrom(kind ErrorKind, fileName string, err error) Error {
	var msg string
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		msg = apiErr.Object.String()
	} else {
		msg = err.Error()
	}
	msg, loc := splitLocation(msg)
	if loc.File == "" {
		loc.File = fileName
	}
	return Error{Kind: kind, Message: msg, Location: loc}
}

// splitLocation strips a "file:line: " prefix from a Lua error message.
func splitLocation(msg string) (string, Location) {
	m := runtimeErrorPattern.FindStringSubmatch(msg)
	if m == nil {
		return msg, Location{}
	}
	line, _ := strconv.Atoi(m[2])
	return m[3], Location{File: m[1], Line: line}
}

// whereLocation parses the result of LState.Where.
func whereLocation(where string) Location {
	_, loc := splitLocation(where + " ")
	return loc
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
