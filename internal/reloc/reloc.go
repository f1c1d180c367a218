// Package reloc implements the Relocation Engine of spec.md §4.5: eager
// application of static relocations, and PLT trampoline installation for
// lazy binding. Relocation types are mapped to a small set of logical
// Categories per architecture at parse time — the capability-record
// pattern spec.md §9 describes ("polymorphism over the capability set
// {hash-lookup, relocation-apply, lazy-resolve}" with variants {x86_64,
// aarch64, riscv64}).
package reloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// Category is the logical relocation behavior spec.md §4.5 enumerates,
// independent of the architecture-specific numeric relocation type.
type Category int

const (
	CategoryUnsupported Category = iota
	CategoryAbsolute              // S+A: GLOB_DAT, JUMP_SLOT (eager), R_*_64/ABS64
	CategoryRelative               // B+A
	CategoryCopy                   // defining Object's symbol bytes copied in
	CategoryTPOFF                  // static TLS offset of defining Object's block
	CategoryDTPMOD                 // defining Object's module id
	CategoryDTPOFF                 // symbol offset within module's TLS image
	CategoryTLSDesc                 // descriptor pair resolved at thread-access time
	CategoryIrelative               // call resolver at B+A, store its return
)

// Table maps an architecture's numeric relocation types to their Category,
// the "relocation-apply" capability variant spec.md §9 names.
type Table map[uint32]Category

// Resolver is how the engine asks the Link Map & Resolver (§4.4) for a
// symbol's final address. weakNull=true with addr=0 means an unresolved
// weak reference (resolvable-to-null, per spec.md §4.4); a non-nil err
// means a strong reference failed to resolve.
type Resolver interface {
	Resolve(symIndex uint32, name string) (addr uintptr, size uint64, weakNull bool, err error)
}

// TLSResolver supplies the defining-Object TLS facts the TLS-* categories
// need; kept separate from Resolver because not every relocation needs TLS
// context, and most Objects have none.
type TLSResolver interface {
	StaticOffset(symIndex uint32, name string) (offset uintptr, err error)
	ModuleID(symIndex uint32, name string) (modID uintptr, err error)
	DTPOffset(symIndex uint32, name string) (offset uintptr, err error)
}

// Target is the memory the engine writes into: an Object's mapped segment
// bytes plus its load base. Offsets are VA-relative (already translated
// from file offsets by the caller), per spec.md §4.5's
// "offset (within Object)".
type Target struct {
	Base  uintptr
	Bytes []byte
}

func (t *Target) slot(vaOffset uint64) (*uintptr, error) {
	if vaOffset+8 > uint64(len(t.Bytes)) {
		return nil, elferr.New(elferr.MapFailed, "reloc.slot",
			elferr.WithErr(fmt.Errorf("relocation offset 0x%x out of range (mapping size 0x%x)", vaOffset, len(t.Bytes))))
	}
	return (*uintptr)(unsafe.Pointer(&t.Bytes[vaOffset])), nil
}

// sliceAddr returns a pointer into t's backing bytes at the given
// VA-relative offset, for callers that need to write a multi-word struct
// (e.g. a TLS descriptor pair) rather than a single uintptr slot.
func sliceAddr(b []byte, vaOffset uint64) unsafe.Pointer {
	return unsafe.Pointer(&b[vaOffset])
}

func (t *Target) slotBytes(vaOffset, size uint64) ([]byte, error) {
	if vaOffset+size > uint64(len(t.Bytes)) {
		return nil, elferr.New(elferr.MapFailed, "reloc.slotBytes",
			elferr.WithErr(fmt.Errorf("copy relocation at 0x%x (size %d) out of range", vaOffset, size)))
	}
	return t.Bytes[vaOffset : vaOffset+size], nil
}

// Apply dispatches and writes one relocation per spec.md §4.5's per-category
// rules. symName is used only for error messages and built-in/TLS lookups.
func Apply(t *Target, r elf.Rela, cat Category, symIndex uint32, symName string, res Resolver, tlsRes TLSResolver) error {
	switch cat {
	case CategoryRelative:
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		*slot = t.Base + uintptr(r.Addend)
		return nil

	case CategoryIrelative:
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		fnAddr := t.Base + uintptr(r.Addend)
		funcPtrContainer := uintptr(unsafe.Pointer(&fnAddr))
		resolver := *(*func() uintptr)(unsafe.Pointer(&funcPtrContainer))
		*slot = resolver()
		return nil

	case CategoryAbsolute:
		addr, _, weakNull, err := res.Resolve(symIndex, symName)
		if err != nil {
			return err
		}
		if weakNull {
			addr = 0
		}
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		*slot = addr + uintptr(r.Addend)
		return nil

	case CategoryCopy:
		addr, size, weakNull, err := res.Resolve(symIndex, symName)
		if err != nil {
			return err
		}
		if weakNull || addr == 0 {
			return elferr.New(elferr.SymbolNotFound, "reloc.Apply",
				elferr.WithSymbol(symName), elferr.WithErr(fmt.Errorf("copy relocation source is unresolved")))
		}
		dstBytes, err := t.slotBytes(r.Offset, size)
		if err != nil {
			return err
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
		copy(dstBytes, src)
		return nil

	case CategoryTPOFF:
		if tlsRes == nil {
			return elferr.New(elferr.RelocationUnsupported, "reloc.Apply", elferr.WithSymbol(symName))
		}
		off, err := tlsRes.StaticOffset(symIndex, symName)
		if err != nil {
			return err
		}
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		*slot = off + uintptr(r.Addend)
		return nil

	case CategoryDTPMOD:
		if tlsRes == nil {
			return elferr.New(elferr.RelocationUnsupported, "reloc.Apply", elferr.WithSymbol(symName))
		}
		mod, err := tlsRes.ModuleID(symIndex, symName)
		if err != nil {
			return err
		}
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		*slot = mod
		return nil

	case CategoryDTPOFF:
		if tlsRes == nil {
			return elferr.New(elferr.RelocationUnsupported, "reloc.Apply", elferr.WithSymbol(symName))
		}
		off, err := tlsRes.DTPOffset(symIndex, symName)
		if err != nil {
			return err
		}
		slot, err := t.slot(r.Offset)
		if err != nil {
			return err
		}
		*slot = off + uintptr(r.Addend)
		return nil

	case CategoryTLSDesc:
		// TLS descriptors need a resolver function pointer pair written at
		// the slot, which only the arch-specific PLT/TLSDESC trampoline
		// (internal/reloc/plt_<arch>.s) can satisfy; see writeTLSDescriptor.
		return writeTLSDescriptor(t, r, symIndex, symName, tlsRes)

	default:
		return elferr.New(elferr.RelocationUnsupported, "reloc.Apply",
			elferr.WithSymbol(symName), elferr.WithErr(fmt.Errorf("relocation category %d has no handler", cat)))
	}
}

// AtomicStoreSlot writes value at vaOffset with an atomic store, the
// idempotent-convergence mechanism spec.md §5 requires for concurrent
// lazy-binding resolvers racing on the same PLT slot.
func AtomicStoreSlot(t *Target, vaOffset uint64, value uintptr) error {
	slot, err := t.slot(vaOffset)
	if err != nil {
		return err
	}
	atomic.StoreUintptr(slot, value)
	return nil
}
