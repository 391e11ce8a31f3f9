package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ModuleLoader resolves a module name to its source text.
// It is called synchronously, possibly while another script is running.
type ModuleLoader func(name string) (source string, err error)

// Logger receives messages logged by script code.
type Logger func(level int, message string)

// Prelude is the root script. It owns the Lua state shared by every module
// and query compiled against it, and the capabilities that state reaches
// through: module resolution and logging.
type Prelude struct {
	base
	L      *lua.LState
	loader ModuleLoader
	logger Logger

	loaded      map[string]lua.LValue // module name -> value returned by its chunk
	modules     []*Module             // modules loaded through require, owned by the prelude
	stack       []*activation         // scripts currently executing, innermost last
	failureMeta *lua.LTable           // metatable tagging module load failures
}

// activation is one script on the prelude's execution stack.
type activation struct {
	script owner
	failed map[string]*lua.LTable // module names that failed to load during this activation
}

// owner is a script that diagnostics can be attributed to.
type owner interface {
	Script
	addError(Error)
}

// NewPrelude creates a prelude with its own Lua state. Either capability may
// be nil: require then fails and log output is discarded.
func NewPrelude(loader ModuleLoader, logger Logger) *Prelude {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	p := &Prelude{
		base:   base{kind: KindPrelude},
		L:      L,
		loader: loader,
		logger: logger,
		loaded: make(map[string]lua.LValue),
	}

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// Scripts reach the filesystem only through the module loader
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("module", lua.LNil)

	p.failureMeta = L.NewTable()
	L.SetField(p.failureMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(L.GetField(L.CheckTable(1), "message"))
		return 1
	}))

	L.SetGlobal("require", L.NewFunction(p.require))
	L.SetGlobal("log", L.NewFunction(p.log))
	L.SetGlobal("register_command_handler", L.NewFunction(p.registerCommandHandler))
	L.SetGlobal("reverse_command", L.NewFunction(p.reverseCommand))
	return p
}

// Compile parses the prelude source.
func (p *Prelude) Compile(source, fileName string) bool {
	return p.compile(source, fileName)
}

// Run executes the prelude body in the shared state.
func (p *Prelude) Run() {
	if p.state != Compiled {
		return
	}
	p.exec(p, &p.base)
}

// Dispose closes the shared state. Modules loaded through require are
// disposed with it; modules and queries the host compiled must already be
// disposed, or must not be used again.
func (p *Prelude) Dispose() error {
	if p.state == Disposed {
		return ErrDisposed
	}
	for _, m := range p.modules {
		m.Dispose()
	}
	p.modules = nil
	p.loaded = nil
	p.stack = nil
	p.L.Close()
	return p.release()
}

// Loaded reports whether require has loaded, or is loading, name.
func (p *Prelude) Loaded(name string) bool {
	_, ok := p.loaded[name]
	return ok
}

// usable reports a contract violation for dependents of this prelude.
func (p *Prelude) usable() error {
	if p.state == Disposed {
		return ErrPreludeDisposed
	}
	return nil
}

// exec runs a compiled script's chunk in the shared state and records the
// outcome on it. It returns the chunk's first return value.
func (p *Prelude) exec(s owner, b *base) (lua.LValue, bool) {
	fn := p.L.NewFunctionFromProto(b.proto)
	p.push(s)
	defer p.pop()

	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		if !p.isLoadFailure(err) {
			b.addError(runtimeErrorFrom(RuntimeError, b.fileName, err))
		}
		b.state = Faulted
		return lua.LNil, false
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	b.state = Running
	return ret, true
}

func (p *Prelude) push(s owner) {
	p.stack = append(p.stack, &activation{script: s})
}

func (p *Prelude) pop() {
	p.stack = p.stack[:len(p.stack)-1]
}

func (p *Prelude) top() *activation {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

// activeQuery returns the innermost query on the stack, if any.
func (p *Prelude) activeQuery() *Query {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if q, ok := p.stack[i].script.(*Query); ok {
			return q
		}
	}
	return nil
}

// isLoadFailure reports whether err is a module load failure raised by
// require, which has already been recorded as a ModuleLoadError.
func (p *Prelude) isLoadFailure(err error) bool {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return false
	}
	tbl, ok := apiErr.Object.(*lua.LTable)
	return ok && tbl.Metatable == p.failureMeta
}

// require(name) loads a module through the loader capability, compiling and
// running it as a nested Module before returning its value.
func (p *Prelude) require(L *lua.LState) int {
	name := L.CheckString(1)
	if v, ok := p.loaded[name]; ok {
		L.Push(v)
		return 1
	}
	act := p.top()
	if act == nil {
		L.RaiseError("require(%q) called while no script is running", name)
		return 0
	}
	if failure, ok := act.failed[name]; ok {
		L.Error(failure, 0)
		return 0
	}
	loc := whereLocation(L.Where(1))

	source, err := p.load(name)
	if err != nil {
		return p.loadFailed(L, act, name, loc, fmt.Sprintf("module %q could not be loaded: %v", name, err))
	}

	m := newModule(p, name)
	p.modules = append(p.modules, m)
	if !m.Compile(source, name) {
		return p.loadFailed(L, act, name, loc, fmt.Sprintf("module %q failed to compile: %s", name, m.errors[0].Message))
	}

	// Mark before running so circular requires see a value instead of recursing
	p.loaded[name] = lua.LTrue
	value, ok := p.exec(m, &m.base)
	if !ok {
		delete(p.loaded, name)
		reason := "failed to load a dependency"
		if len(m.errors) > 0 {
			reason = m.errors[len(m.errors)-1].Message
		}
		return p.loadFailed(L, act, name, loc, fmt.Sprintf("module %q failed to run: %s", name, reason))
	}
	if value == lua.LNil {
		value = lua.LTrue
	}
	if cur, ok := p.loaded[name]; !ok || cur == lua.LTrue {
		p.loaded[name] = value
	}
	L.Push(p.loaded[name])
	return 1
}

// loadFailed records exactly one ModuleLoadError on the requiring script and
// raises a tagged error that exec and Execute do not record again.
func (p *Prelude) loadFailed(L *lua.LState, act *activation, name string, loc Location, msg string) int {
	if loc.File == "" {
		loc.File = act.script.FileName()
	}
	act.script.addError(Error{Kind: ModuleLoadError, Message: msg, Location: loc})
	failure := L.NewTable()
	L.SetField(failure, "message", lua.LString(msg))
	L.SetField(failure, "module", lua.LString(name))
	failure.Metatable = p.failureMeta
	if act.failed == nil {
		act.failed = make(map[string]*lua.LTable)
	}
	act.failed[name] = failure
	L.Error(failure, 0)
	return 0
}

// load calls the loader capability, converting a panic into an error.
func (p *Prelude) load(name string) (source string, err error) {
	if p.loader == nil {
		return "", fmt.Errorf("no module loader")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module loader panicked: %v", r)
		}
	}()
	return p.loader(name)
}

// log([level,] message)
func (p *Prelude) log(L *lua.LState) int {
	level := 0
	arg := 1
	if L.GetTop() >= 2 {
		level = L.CheckInt(1)
		arg = 2
	}
	msg := L.ToStringMeta(L.Get(arg)).String()
	if p.logger != nil {
		if err := guard(func() { p.logger(level, msg) }); err != nil {
			L.RaiseError("log: %v", err)
		}
	}
	return 0
}

// register_command_handler(name, fn) registers fn with the innermost running query.
func (p *Prelude) registerCommandHandler(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	q := p.activeQuery()
	if q == nil {
		L.RaiseError("register_command_handler(%q) called outside a query", name)
		return 0
	}
	ref, err := q.register(name, fn)
	if err != nil {
		L.RaiseError("register_command_handler(%q): %v", name, err)
		return 0
	}
	L.Push(lua.LNumber(ref))
	return 1
}

// reverse_command(descriptor) asks the running query's host for the
// compensating command. It returns nil when none exists.
func (p *Prelude) reverseCommand(L *lua.LState) int {
	forward := L.CheckAny(1)
	q := p.activeQuery()
	if q == nil {
		L.RaiseError("reverse_command called outside a query")
		return 0
	}
	reverse, err := q.reverse(forward)
	if err != nil {
		L.RaiseError("reverse_command: %v", err)
		return 0
	}
	L.Push(reverse)
	return 1
}

// guard calls a host capability, converting a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host callback panicked: %v", r)
		}
	}()
	fn()
	return nil
}
