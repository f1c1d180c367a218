package lifecycle

import (
	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/linkmap"
	"github.com/go-vdl/vdl/internal/reloc"
)

// relocate applies o's plain relocations then its PLT relocations, the
// glibc-safe order identified in dlopen-rs/src/relocation.rs's comment on
// IRELATIVE ordering (DESIGN.md Open Question): an IRELATIVE resolver
// function may itself depend on a preceding absolute/relative fixup
// already being in place.
func (c *Controller) relocate(o *linkmap.Object, scope linkmap.Scope) error {
	if o.Image.Dynamic == nil || o.Mapping == nil {
		return nil
	}
	target := &reloc.Target{Base: o.Mapping.Base, Bytes: o.Mapping.Bytes}
	res := &linkmap.RelocResolver{Requester: o, Resolver: &linkmap.Resolver{Scope: scope, Builtin: builtinSymbols}}
	tlsRes := &linkmap.RelocTLSResolver{Requester: o, Resolver: &linkmap.Resolver{Scope: scope, Builtin: builtinSymbols}, Manager: c.TLS}

	d := o.Image.Dynamic
	plain, err := o.Image.Relocs(d.RelaOff, d.RelaSize)
	if err != nil {
		return err
	}
	if err := applyAll(target, plain, o, res, tlsRes); err != nil {
		return err
	}

	lazy := o.Flags&linkmap.FlagLazy != 0 && !d.NowSticky() && d.PltGotOff != 0 && reloc.SupportsLazyBinding()
	jmprel, err := o.Image.Relocs(d.JmpRelOff, d.PltRelSize)
	if err != nil {
		return err
	}
	if lazy {
		return c.relocateLazy(o, jmprel, target)
	}
	return applyAll(target, jmprel, o, res, tlsRes)
}

func applyAll(target *reloc.Target, relocs []elf.Rela, o *linkmap.Object, res reloc.Resolver, tlsRes reloc.TLSResolver) error {
	for _, r := range relocs {
		sym, _ := o.Symbols.ByIndex(r.Sym())
		name := ""
		if sym != nil {
			name = sym.Name
		}
		cat, ok := o.RelocTable[r.Type()]
		if !ok {
			return elferr.New(elferr.RelocationUnsupported, "lifecycle.relocate", elferr.WithSymbol(name))
		}
		if err := reloc.Apply(target, r, cat, r.Sym(), name, res, tlsRes); err != nil {
			return err
		}
	}
	return nil
}

// relocateLazy biases every JUMP_SLOT to the Object's own PLT0 stub and
// installs the trampoline in GOT[1]/GOT[2], per spec.md §4.5's lazy
// binding paragraph.
func (c *Controller) relocateLazy(o *linkmap.Object, jmprel []elf.Rela, target *reloc.Target) error {
	table := reloc.NewLazyTable(len(jmprel))
	res := &linkmap.RelocResolver{Requester: o, Resolver: &linkmap.Resolver{Scope: linkmap.BuildScope(o, o.Flags&linkmap.FlagGlobal != 0, c.Map), Builtin: builtinSymbols}}
	for i, r := range jmprel {
		if err := reloc.BiasLazySlot(target, r); err != nil {
			return err
		}
		sym, _ := o.Symbols.ByIndex(r.Sym())
		name := ""
		if sym != nil {
			name = sym.Name
		}
		addr, _, weakNull, err := res.Resolve(r.Sym(), name)
		if err != nil {
			return err
		}
		if weakNull {
			addr = 0
		}
		table[i] = addr
	}
	info, err := reloc.InstallLazyPLT(target, o.Image.Dynamic.PltGotOff, table)
	if err != nil {
		return err
	}
	o.LazyInfo = info
	return nil
}
