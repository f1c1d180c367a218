package vdl

import (
	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/linkmap"
)

// View is the snapshot-consistent record Iterate's callback sees for one
// Object, per spec.md §4.8: name, base, program-header array, and an
// optional TLS module id.
type View struct {
	Name    string
	Base    uintptr
	Phdrs   []elf.Phdr
	TLSID   uint32
	HasTLS  bool
}

// Iterate implements iterate(callback): walks the Link Map in load order,
// the order dl_iterate_phdr's contract (spec.md §4.4 invariant (c))
// guarantees, calling fn with a View of each published Object. Iterate
// stops and returns fn's error the first time it returns one.
func (l *Loader) Iterate(fn func(View) error) error {
	var cbErr error
	l.ctl.Map.Iterate(func(o *linkmap.Object) bool {
		v := View{Name: o.Path}
		if o.Mapping != nil {
			v.Base = o.Mapping.Base
		}
		if o.Image != nil {
			v.Phdrs = o.Image.Phdrs
		}
		if o.TLS != nil {
			v.TLSID = o.TLS.ModuleID
			v.HasTLS = true
		}
		if err := fn(v); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	return cbErr
}

// Addr implements addr(address): finds the Object whose mapping contains
// address and the nearest defined symbol within it, per spec.md §4.8's
// dladdr contract.
func (l *Loader) Addr(address uintptr) (AddrInfo, error) {
	var (
		found AddrInfo
		ok    bool
	)
	l.ctl.Map.Iterate(func(o *linkmap.Object) bool {
		if o.Mapping == nil {
			return true
		}
		base := o.Mapping.Base
		size := uintptr(o.Mapping.Length)
		if address < base || address >= base+size {
			return true
		}
		found = AddrInfo{
			ObjectPath: o.Path,
			ObjectBase: base,
		}
		if o.Symbols != nil {
			rel := uint64(address - base)
			if sym, has := o.Symbols.Nearest(rel); has {
				found.SymbolName = sym.Name
				found.SymbolAddr = base + uintptr(sym.Value)
			}
		}
		ok = true
		return false
	})
	if !ok {
		return AddrInfo{}, elferr.New(elferr.SymbolNotFound, "vdl.Addr")
	}
	return found, nil
}

// AddrInfo is dladdr's result record.
type AddrInfo struct {
	ObjectPath string
	ObjectBase uintptr
	SymbolName string
	SymbolAddr uintptr
}
