package script

// Module is a script compiled and run inside its prelude's shared state to
// define reusable values. It has no state of its own.
type Module struct {
	base
	prelude *Prelude
	name    string // require name, empty for modules compiled by the host
}

// NewModule creates a module bound to prelude. The module does not own the
// prelude.
func NewModule(prelude *Prelude) *Module {
	return newModule(prelude, "")
}

func newModule(prelude *Prelude, name string) *Module {
	return &Module{
		base:    base{kind: KindModule},
		prelude: prelude,
		name:    name,
	}
}

// Prelude returns the prelude this module runs in.
func (m *Module) Prelude() *Prelude {
	return m.prelude
}

// Compile parses the module source.
func (m *Module) Compile(source, fileName string) bool {
	return m.compile(source, fileName)
}

// Run executes the module body in the prelude's state.
func (m *Module) Run() {
	if m.state != Compiled {
		return
	}
	if !dependentRunnable(m.prelude, &m.base) {
		return
	}
	m.prelude.exec(m, &m.base)
}

// Dispose releases the compiled form. Values the module defined stay in the
// shared state until the prelude is disposed.
func (m *Module) Dispose() error {
	return m.release()
}

// dependentRunnable faults b when its prelude cannot host it.
func dependentRunnable(p *Prelude, b *base) bool {
	switch p.state {
	case Disposed:
		b.fault(Error{Kind: RuntimeError, Message: "prelude has been disposed", Location: Location{File: b.fileName}})
		return false
	case Faulted:
		b.fault(Error{Kind: RuntimeError, Message: "prelude " + p.fileName + " is faulted", Location: Location{File: b.fileName}})
		return false
	case Uninitialized, Compiled:
		b.fault(Error{Kind: RuntimeError, Message: "prelude " + p.fileName + " has not run", Location: Location{File: b.fileName}})
		return false
	}
	return true
}
