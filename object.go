package vdl

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/lifecycle"
	"github.com/go-vdl/vdl/internal/linkmap"
)

// Object is a handle returned by Open, mirroring reflektor.Library's
// sync.RWMutex-guarded shape: Get takes the read lock and checks closed
// before touching the wrapped *linkmap.Object, and Close takes the write
// lock. Path and Base read the wrapped Object without checking closed.
type Object struct {
	mu     sync.RWMutex
	obj    *linkmap.Object
	ctl    *lifecycle.Controller
	closed bool
}

// Get implements get(handle, name): resolves name in this Object's own
// symbol table and returns a raw pointer into its mapping. It does not
// walk the dependency scope — that is what a relocation against an
// undefined reference does internally; Get is dlsym's "look up exactly
// this handle's exports" contract.
func (o *Object) Get(name string) (uintptr, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return 0, ErrClosed
	}
	if o.obj.Symbols == nil {
		return 0, elferr.New(elferr.SymbolNotFound, "vdl.Get", elferr.WithSymbol(name), elferr.WithPath(o.obj.Path))
	}
	sym, ok := o.obj.Symbols.Lookup(name, nil)
	if !ok {
		return 0, elferr.New(elferr.SymbolNotFound, "vdl.Get", elferr.WithSymbol(name), elferr.WithPath(o.obj.Path))
	}
	if o.obj.Mapping == nil {
		return 0, fmt.Errorf("vdl: %s has no mapping", o.obj.Path)
	}
	return o.obj.Mapping.Base + uintptr(sym.Value), nil
}

// CallExport resolves a zero-argument, no-return exported function and
// calls it synchronously, grounded directly on reflektor.Library's
// CallExport convenience method.
func (o *Object) CallExport(name string) error {
	addr, err := o.Get(name)
	if err != nil {
		return err
	}
	funcPtrContainer := uintptr(unsafe.Pointer(&addr))
	fn := *(*func())(unsafe.Pointer(&funcPtrContainer))
	fn()
	return nil
}

// Path returns the canonical path or freestanding name this Object was
// opened with.
func (o *Object) Path() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.obj.Path
}

// Base returns this Object's load base address.
func (o *Object) Base() uintptr {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.obj.Mapping == nil {
		return 0
	}
	return o.obj.Mapping.Base
}

// Close implements close(handle): decrements the refcount and, once it
// reaches zero, tears the Object (and any now-unreferenced dependency)
// down via the Lifecycle Controller.
func (o *Object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.ctl.Close(o.obj)
}
