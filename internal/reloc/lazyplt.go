package reloc

import (
	"fmt"
	"unsafe"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// Lazy PLT binding (spec.md §4.5 "Lazy binding") defers nothing about the
// symbol lookup itself — that still happens for every JUMP_SLOT entry when
// the Object is loaded, same as eager binding, because triggering a real
// scope search from the hand-written trampoline below would mean calling
// back into Go from raw assembly entered via JMP rather than CALL, which
// cannot safely use Go's register-based calling convention. What stays
// genuinely deferred is the GOT-slot write: instead of writing the final
// target at load time, the slot keeps pointing at the Object's own PLT0
// stub (biased by the load base, exactly as the static linker prepared
// it), and the stub's first call through it looks up the pre-resolved
// target by index, writes the slot so every subsequent call goes direct,
// and tail-jumps to the target. This gives the convergent-atomic-slot-write
// behavior spec.md's ordering guarantees require without reproducing
// glibc's full startup-latency deferral; see DESIGN.md.

// LazyTable holds one pre-resolved target per JMPREL entry, indexed the
// same way the Object's own PLTn+6 stubs index into it.
type LazyTable []uintptr

// NewLazyTable allocates a lazy-resolution table sized for n JUMP_SLOT
// relocations.
func NewLazyTable(n int) LazyTable { return make(LazyTable, n) }

// pltLazyInfo is the two-word record GOT[1] points at once lazy binding is
// installed: the table base the trampoline indexes into, and the PLTGOT
// base it needs to compute which slot to write back. The trampoline only
// ever treats these as raw addresses; keeping the record (and the Object
// that owns it) alive is the Go side's job.
type pltLazyInfo struct {
	TableBase  uintptr
	PltGotBase uintptr
}

// InstallLazyPLT wires an Object's reserved GOT slots — GOT[1] and GOT[2],
// the two words every PLT0 stub reads — so a call through any
// not-yet-converged JUMP_SLOT lands in the architecture's resolve
// trampoline. Returns the pltLazyInfo record the caller must keep
// reachable for as long as the Object can still receive lazy-bound calls
// (store it on the owning Object; do not let it become unreachable while
// any PLT0 stub might still jump through GOT[2]).
func InstallLazyPLT(t *Target, pltGotVA uint64, table LazyTable) (*pltLazyInfo, error) {
	if !SupportsLazyBinding() {
		return nil, elferr.New(elferr.RelocationUnsupported, "reloc.InstallLazyPLT",
			elferr.WithErr(fmt.Errorf("architecture has no lazy-binding trampoline")))
	}
	info := &pltLazyInfo{
		TableBase:  uintptr(unsafe.Pointer(unsafe.SliceData(table))),
		PltGotBase: t.Base + uintptr(pltGotVA),
	}
	got1, err := t.slot(pltGotVA + 8)
	if err != nil {
		return nil, err
	}
	got2, err := t.slot(pltGotVA + 16)
	if err != nil {
		return nil, err
	}
	*got1 = uintptr(unsafe.Pointer(info))
	*got2 = pltResolveTrampolineAddr()
	return info, nil
}

// BiasLazySlot implements the "slot is biased by the Object's base" step
// of spec.md §4.5's lazy-binding paragraph: a not-yet-resolved JUMP_SLOT's
// pre-relocation content is the file-relative address of the Object's own
// PLTn+6 stub, and adding the base is all that's needed to make it land
// there.
func BiasLazySlot(t *Target, r elf.Rela) error {
	slot, err := t.slot(r.Offset)
	if err != nil {
		return err
	}
	*slot += t.Base
	return nil
}
