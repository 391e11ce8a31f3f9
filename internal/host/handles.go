package host

import "fmt"

// Handle is an opaque reference to a script or result owned by a Host.
// The zero Handle is never issued and stands for an absent result.
//
// Layout: bits 0-31 hold the slot index plus one, bits 32-55 the slot
// generation and bits 56-63 the kind of object it names.
type Handle uint64

const (
	indexBits = 32
	genBits   = 24
	genMask   = 1<<genBits - 1
	kindShift = indexBits + genBits
)

type handleKind uint8

const (
	kindPrelude handleKind = iota + 1
	kindModule
	kindQuery
	kindResult
)

func (k handleKind) String() string {
	switch k {
	case kindPrelude:
		return "prelude"
	case kindModule:
		return "module"
	case kindQuery:
		return "query"
	case kindResult:
		return "result"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func makeHandle(index, gen uint32, kind handleKind) Handle {
	return Handle(uint64(kind)<<kindShift | uint64(gen&genMask)<<indexBits | uint64(index+1))
}

func (h Handle) slot() (uint32, bool) {
	low := uint32(h)
	if low == 0 {
		return 0, false
	}
	return low - 1, true
}

func (h Handle) generation() uint32 { return uint32(h>>indexBits) & genMask }
func (h Handle) kind() handleKind   { return handleKind(h >> kindShift) }

func (h Handle) String() string {
	if h == 0 {
		return "handle(none)"
	}
	idx, _ := h.slot()
	return fmt.Sprintf("%s#%d.%d", h.kind(), idx, h.generation())
}

type entry struct {
	gen   uint32
	kind  handleKind
	value any
	live  bool
}

// table is a slot table with generation-checked handles. Removing an entry
// bumps its generation, so stale handles are detected rather than aliasing
// whatever reuses the slot.
type table struct {
	entries []entry
	free    []uint32
}

func (t *table) insert(kind handleKind, value any) Handle {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.entries))
		t.entries = append(t.entries, entry{gen: 1})
	}
	e := &t.entries[idx]
	e.kind = kind
	e.value = value
	e.live = true
	return makeHandle(idx, e.gen, kind)
}

// get returns the live entry h names. The kind check is the caller's.
func (t *table) get(h Handle) (*entry, error) {
	idx, ok := h.slot()
	if !ok || int(idx) >= len(t.entries) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	e := &t.entries[idx]
	if !e.live || e.gen&genMask != h.generation() || e.kind != h.kind() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return e, nil
}

func (t *table) remove(h Handle) (any, error) {
	e, err := t.get(h)
	if err != nil {
		return nil, err
	}
	idx, _ := h.slot()
	value := e.value
	e.value = nil
	e.live = false
	e.gen = (e.gen + 1) & genMask
	if e.gen == 0 {
		e.gen = 1
	}
	t.free = append(t.free, idx)
	return value, nil
}

func (t *table) len() int {
	return len(t.entries) - len(t.free)
}
