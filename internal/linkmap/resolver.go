package linkmap

import (
	"fmt"

	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/symtab"
	"github.com/go-vdl/vdl/internal/tls"
)

// ResolvedSymbol is a symbol lookup's result: the defining Object plus the
// Symbol record, from which S (the relocation-ready address) is Object's
// base + Symbol.Value.
type ResolvedSymbol struct {
	Defining *Object
	Symbol   *symtab.Symbol
}

// Addr is the absolute address S the Relocation Engine adds A to.
func (r *ResolvedSymbol) Addr() uintptr {
	return r.Defining.Mapping.Base + uintptr(r.Symbol.Value)
}

// Resolver implements the symbol lookup rules of spec.md §4.4: search a
// Scope in order, first eligible definition wins (the tie-break rule).
// Resolve itself returns SymbolNotFound for an unresolved name; the weak
// reference to null rule is applied by RelocResolver.Resolve.
type Resolver struct {
	Scope   Scope
	Builtin map[string]uintptr
}

// Resolve searches scope for name, optionally constrained to want's
// version, per the GNU versioning rule (symtab.versionMatches, applied
// inside Table.Lookup).
func (r *Resolver) Resolve(name string, want *symtab.Version) (*ResolvedSymbol, error) {
	for _, o := range r.Scope {
		if o.Symbols == nil {
			continue
		}
		sym, ok := o.Symbols.Lookup(name, want)
		if !ok {
			continue
		}
		return &ResolvedSymbol{Defining: o, Symbol: sym}, nil
	}
	return nil, elferr.New(elferr.SymbolNotFound, "linkmap.Resolve", elferr.WithSymbol(name))
}

// RelocResolver adapts a Resolver bound to one requesting Object into the
// reloc.Resolver interface the Relocation Engine calls during Apply.
type RelocResolver struct {
	Requester *Object
	Resolver  *Resolver
}

func (rr *RelocResolver) Resolve(symIndex uint32, name string) (addr uintptr, size uint64, weakNull bool, err error) {
	sym, ok := rr.Requester.Symbols.ByIndex(symIndex)
	isWeak := ok && sym.IsWeak()

	rs, rerr := rr.Resolver.Resolve(name, rr.versionWant(symIndex))
	if rerr != nil {
		if addr, ok := rr.Resolver.Builtin[name]; ok {
			return addr, 0, false, nil
		}
		if isWeak {
			return 0, 0, true, nil
		}
		return 0, 0, false, rerr
	}
	return rs.Addr(), rs.Symbol.Size, false, nil
}

func (rr *RelocResolver) versionWant(symIndex uint32) *symtab.Version {
	sym, ok := rr.Requester.Symbols.ByIndex(symIndex)
	if !ok {
		return nil
	}
	return sym.Version
}

// RelocTLSResolver adapts a requesting Object's own TLS Descriptor (the
// definition always lives in the Object the symbol is defined in, found
// through the same Resolver) into reloc.TLSResolver.
type RelocTLSResolver struct {
	Requester *Object
	Resolver  *Resolver
	Manager   *tls.Manager
}

func (rt *RelocTLSResolver) definingTLS(symIndex uint32, name string) (*Object, error) {
	rs, err := rt.Resolver.Resolve(name, rt.versionWant(symIndex))
	if err != nil {
		return nil, err
	}
	if rs.Defining.TLS == nil {
		return nil, elferr.New(elferr.RelocationUnsupported, "linkmap.definingTLS",
			elferr.WithSymbol(name), elferr.WithErr(fmt.Errorf("defining object has no PT_TLS")))
	}
	return rs.Defining, nil
}

func (rt *RelocTLSResolver) versionWant(symIndex uint32) *symtab.Version {
	sym, ok := rt.Requester.Symbols.ByIndex(symIndex)
	if !ok {
		return nil
	}
	return sym.Version
}

func (rt *RelocTLSResolver) StaticOffset(symIndex uint32, name string) (uintptr, error) {
	o, err := rt.definingTLS(symIndex, name)
	if err != nil {
		return 0, err
	}
	if !o.TLS.IsStatic {
		return 0, elferr.New(elferr.RelocationUnsupported, "linkmap.StaticOffset", elferr.WithSymbol(name))
	}
	return o.TLS.StaticOffset, nil
}

func (rt *RelocTLSResolver) ModuleID(symIndex uint32, name string) (uintptr, error) {
	o, err := rt.definingTLS(symIndex, name)
	if err != nil {
		return 0, err
	}
	return uintptr(o.TLS.ModuleID), nil
}

func (rt *RelocTLSResolver) DTPOffset(symIndex uint32, name string) (uintptr, error) {
	o, err := rt.definingTLS(symIndex, name)
	if err != nil {
		return 0, err
	}
	sym, ok := o.Symbols.Lookup(name, rt.versionWant(symIndex))
	if !ok {
		return 0, elferr.New(elferr.SymbolNotFound, "linkmap.DTPOffset", elferr.WithSymbol(name))
	}
	return uintptr(sym.Value), nil
}
