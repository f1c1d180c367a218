// Package linkmap implements the Link Map & Resolver of spec.md §4.4: the
// process-wide registry of loaded Objects, BFS dependency scope
// construction, and symbol resolution with its tie-break rules.
package linkmap

import (
	"sync"
	"sync/atomic"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/reloc"
	"github.com/go-vdl/vdl/internal/segment"
	"github.com/go-vdl/vdl/internal/symtab"
	"github.com/go-vdl/vdl/internal/tls"
)

// State is the Object lifecycle state machine of spec.md §3.
type State int

const (
	Parsing State = iota
	Mapped
	Relocated
	Initialized
	Finalizing
	Unloaded
)

func (s State) String() string {
	switch s {
	case Parsing:
		return "parsing"
	case Mapped:
		return "mapped"
	case Relocated:
		return "relocated"
	case Initialized:
		return "initialized"
	case Finalizing:
		return "finalizing"
	case Unloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// OpenFlags mirror spec.md §4.8's open(path, flags) enumeration.
type OpenFlags uint32

const (
	FlagLazy     OpenFlags = 1 << 0
	FlagNow      OpenFlags = 1 << 1
	FlagLocal    OpenFlags = 1 << 2
	FlagGlobal   OpenFlags = 1 << 3
	FlagNodelete OpenFlags = 1 << 4
	FlagNoload   OpenFlags = 1 << 5
)

// Object is one loaded ELF image, per spec.md §3's "Object" entity.
type Object struct {
	Path    string
	Soname  string
	Image   *elf.Image
	Mapping *segment.Mapping
	Symbols *symtab.Table
	TLS     *tls.Descriptor

	RelocTable reloc.Table
	LazyInfo   any // *reloc's pltLazyInfo kept alive by this field; opaque to linkmap

	Flags OpenFlags

	// Deps is the strong-edge dependency list in DT_NEEDED order,
	// resolved to already-loaded or freshly-loaded Objects during BFS.
	Deps []*Object

	refcount atomic.Int32
	mu       sync.Mutex
	state    State

	// loadOrder is assigned at Publish time and never changes; it is the
	// ordering dl_iterate_phdr must preserve, per spec.md §4.4.
	loadOrder uint64
}

func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetState transitions the Object's lifecycle state. Callers outside this
// package are expected to be the Lifecycle Controller, which alone drives
// the state machine of spec.md §3.
func (o *Object) SetState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Object) Ref() int32     { return o.refcount.Add(1) }
func (o *Object) Unref() int32   { return o.refcount.Add(-1) }
func (o *Object) RefCount() int32 { return o.refcount.Load() }

// Pinned reports whether the Object's refcount must never reach zero via
// dlclose, either because the caller asked for NODELETE or the Object's
// own DT_FLAGS_1 sets it sticky (spec.md §4.1 supplement).
func (o *Object) Pinned() bool {
	if o.Flags&FlagNodelete != 0 {
		return true
	}
	return o.Image.Dynamic != nil && o.Image.Dynamic.NodeleteSticky()
}
