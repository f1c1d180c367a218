// Package lifecycle implements the Lifecycle Controller of spec.md §4.7:
// it sequences the Parser, Mapper, Resolver, Relocation Engine, and TLS
// Manager into the dlopen/dlclose data flow spec.md §2 describes, and
// owns rollback on a failed load.
package lifecycle

import (
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/linkmap"
	"github.com/go-vdl/vdl/internal/rdebug"
	"github.com/go-vdl/vdl/internal/segment"
	"github.com/go-vdl/vdl/internal/tls"
)

// LoadRequest describes one open() call, per spec.md §4.8.
type LoadRequest struct {
	Path       string
	Bytes      []byte // freestanding load when non-nil; Path is then informational only
	Flags      linkmap.OpenFlags
	SearchDirs []string
}

// Controller drives every Object through Parsing → Mapped → Relocated →
// Initialized, and the reverse on Close, per spec.md §3's state machine.
type Controller struct {
	Map *linkmap.Map
	TLS *tls.Manager
	Log *slog.Logger

	mu         sync.Mutex // serializes Load/Close against each other; spec.md §4.4's write-lock covers only Map.Publish/Remove, but sequencing the rest of a load also needs a single-writer section to keep concurrent dlopen calls from racing on the same dependency
	atExit     []func()

	// inProgress holds Objects the current Load call has mapped but not
	// yet published, keyed by Path. loadOne consults it so a DT_NEEDED
	// cycle back onto an Object still under construction resolves to the
	// in-flight Object instead of recursing forever; Load clears each
	// entry once its pipeline finishes (published or rolled back).
	inProgress sync.Map
}

// New constructs a Controller. log defaults to slog.Default() when nil.
func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		Map: linkmap.New(),
		TLS: tls.NewManager(0, 0),
		Log: log,
	}
}

// builtinSymbols is the narrow (errno, environ) table spec.md §4.5's
// COPY-relocation supplement names, grounded on dlopen-rs's BUILTIN map in
// src/relocation.rs.
var builtinSymbols = map[string]uintptr{}

func init() {
	var errnoStub int32
	builtinSymbols["errno"] = uintptr(unsafe.Pointer(&errnoStub))
	environStub := os.Environ()
	builtinSymbols["environ"] = uintptr(unsafe.Pointer(&environStub))
}

// Load implements open(path, flags), per spec.md §4.8, sequencing Parser →
// Mapper → TLS Manager → recursive DT_NEEDED loading (see loadOne) →
// Relocation Engine → Map.Publish → init arrays, with rollback of
// everything loaded for this request if any step before Map.Publish
// fails. Objects are published before their initializers run.
func (c *Controller) Load(req LoadRequest) (*linkmap.Object, error) {
	root, loaded, err := c.loadAndPublish(req)
	if err != nil {
		return nil, err
	}
	// Init runs with c.mu released, per spec.md §5's recursion requirement:
	// an initializer that calls back into Load (directly or transitively)
	// must not deadlock on the Controller's own write-lock. Dependencies
	// initialize before dependents since loaded lists each Object before
	// the dependencies it pulled in and is walked in reverse here, matching
	// each Object's own DT_NEEDED requirement that its dependencies are
	// already usable.
	for i := len(loaded) - 1; i >= 0; i-- {
		c.runInit(loaded[i])
	}
	return root, nil
}

// loadAndPublish runs every step of open(path, flags) up to and including
// Map.Publish under c.mu, then releases it before returning so Load can run
// init arrays lock-free.
func (c *Controller) loadAndPublish(req LoadRequest) (*linkmap.Object, []*linkmap.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Flags&linkmap.FlagNoload != 0 {
		if o, ok := c.Map.ByPath(req.Path); ok {
			return o, nil, nil
		}
		return nil, nil, elferr.New(elferr.DependencyNotFound, "lifecycle.Load", elferr.WithPath(req.Path))
	}
	if o, ok := c.Map.ByPath(req.Path); ok {
		o.Ref()
		return o, nil, nil
	}

	var loaded []*linkmap.Object
	root, err := c.loadOne(req.Path, req.Bytes, req.Flags, req.SearchDirs, &loaded)
	c.clearInProgress(loaded)
	if err != nil {
		c.rollback(loaded)
		return nil, nil, err
	}

	global := req.Flags&linkmap.FlagGlobal != 0
	for _, o := range loaded {
		scope := linkmap.BuildScope(o, global, c.Map)
		if err := c.relocate(o, scope); err != nil {
			c.rollback(loaded)
			return nil, nil, err
		}
	}
	dbg := rdebug.Global()
	for _, o := range loaded {
		dbg.BeginAdd()
		c.Map.Publish(o)
		o.SetState(linkmap.Relocated)
		o.Ref()
		dbg.EndAdd(rdebug.LinkMapEntry{
			Path:    o.Path,
			Base:    o.Mapping.Base,
			Dynamic: o.Mapping.Base + uintptr(dynamicVaddr(o)),
		})
	}
	return root, loaded, nil
}

// clearInProgress removes loaded's entries from c.inProgress now that
// they're either about to be rolled back or are past the point where a
// DT_NEEDED cycle could still reach them unpublished.
func (c *Controller) clearInProgress(loaded []*linkmap.Object) {
	for _, o := range loaded {
		c.inProgress.Delete(o.Path)
	}
}

func (c *Controller) rollback(loaded []*linkmap.Object) {
	dbg := rdebug.Global()
	for i := len(loaded) - 1; i >= 0; i-- {
		o := loaded[i]
		if o.TLS != nil {
			c.TLS.Free(o.TLS)
		}
		if o.Mapping != nil {
			if err := segment.Unmap(o.Mapping); err != nil {
				c.Log.Warn("rollback unmap failed", "path", o.Path, "err", err)
			}
		}
		// o may not have reached Publish yet (relocate can fail before the
		// publish loop runs); Remove is a harmless no-op then.
		dbg.BeginDelete()
		c.Map.Remove(o)
		dbg.EndDelete(o.Path)
	}
}

func (c *Controller) runInit(o *linkmap.Object) {
	if o.State() == linkmap.Initialized {
		return
	}
	d := o.Image.Dynamic
	if d == nil {
		o.SetState(linkmap.Initialized)
		return
	}
	if d.InitFunc != 0 {
		callInitFini(o.Mapping.Base + uintptr(d.InitFunc))
	}
	if d.InitArrayOff != 0 && d.InitArraySize > 0 {
		n := int(d.InitArraySize) / 8
		for i := 0; i < n; i++ {
			fnAddr := readPtr(o.Mapping.Bytes, d.InitArrayOff+uint64(i*8))
			if fnAddr != 0 {
				callInitFini(o.Mapping.Base + uintptr(fnAddr))
			}
		}
	}
	o.SetState(linkmap.Initialized)
	// runInit now executes with c.mu released (see Load), so appends to
	// atExit need their own brief critical section rather than relying on
	// the caller already holding the lock.
	c.mu.Lock()
	c.atExit = append(c.atExit, func() { c.runFini(o) })
	c.mu.Unlock()
}

func (c *Controller) runFini(o *linkmap.Object) {
	d := o.Image.Dynamic
	if d == nil {
		return
	}
	if d.FiniArrayOff != 0 && d.FiniArraySize > 0 {
		n := int(d.FiniArraySize) / 8
		for i := n - 1; i >= 0; i-- {
			fnAddr := readPtr(o.Mapping.Bytes, d.FiniArrayOff+uint64(i*8))
			if fnAddr != 0 {
				callInitFini(o.Mapping.Base + uintptr(fnAddr))
			}
		}
	}
	if d.FiniFunc != 0 {
		callInitFini(o.Mapping.Base + uintptr(d.FiniFunc))
	}
}

// RunAtExit runs every registered finalizer in reverse registration order
// and clears the list — spec.md §4.7's fini arrays run per-Object at
// dlclose, but an Object still Initialized at normal process exit only
// runs through this, the atexit-equivalent list dlopen-rs's
// core_impl/register.rs also maintains (SPEC_FULL §4.7 supplement). The
// core never installs a real libc atexit hook itself; an embedder calls
// this from its own shutdown path.
func (c *Controller) RunAtExit() {
	c.mu.Lock()
	fns := c.atExit
	c.atExit = nil
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// callInitFini invokes a DT_INIT/DT_FINI/array entry. These are plain
// C functions taking no arguments and returning nothing, resolved to an
// absolute address by the caller; the indirect call is identical in shape
// to the IRELATIVE resolver call in internal/reloc.
func callInitFini(addr uintptr) {
	funcPtrContainer := uintptr(unsafe.Pointer(&addr))
	fn := *(*func())(unsafe.Pointer(&funcPtrContainer))
	fn()
}

// dynamicVaddr returns o's PT_DYNAMIC segment vaddr, or 0 if it has none
// (a freestanding, non-dynamic load).
func dynamicVaddr(o *linkmap.Object) uint64 {
	for _, ph := range o.Image.Phdrs {
		if ph.Type == elf.PT_DYNAMIC {
			return ph.VAddr
		}
	}
	return 0
}

func readPtr(b []byte, off uint64) uint64 {
	if off+8 > uint64(len(b)) {
		return 0
	}
	return uint64(b[off]) | uint64(b[off+1])<<8 | uint64(b[off+2])<<16 | uint64(b[off+3])<<24 |
		uint64(b[off+4])<<32 | uint64(b[off+5])<<40 | uint64(b[off+6])<<48 | uint64(b[off+7])<<56
}

