package reloc

import (
	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// tlsDescriptor is the two-word (resolver, argument) pair written at a
// TLSDESC relocation slot, per spec.md §3's "TLS Descriptor" / §4.5's
// "TLS-descriptor" category: "write a descriptor pair whose resolver, when
// called at thread-access time, returns the thread pointer offset."
type tlsDescriptor struct {
	Resolver uintptr
	Arg      uintptr
}

// writeTLSDescriptor writes the (resolver, arg) pair. The resolver function
// pointer is the address tlsdescResolverStub returns: the per-arch
// tlsdescTrampoline in plt_<arch>.s; arg carries the static TLS offset,
// which the trampoline returns unchanged for the caller to add to the
// thread pointer.
func writeTLSDescriptor(t *Target, r elf.Rela, symIndex uint32, symName string, tlsRes TLSResolver) error {
	if tlsRes == nil {
		return elferr.New(elferr.RelocationUnsupported, "reloc.writeTLSDescriptor", elferr.WithSymbol(symName))
	}
	off, err := tlsRes.StaticOffset(symIndex, symName)
	if err != nil {
		return err
	}
	if r.Offset+16 > uint64(len(t.Bytes)) {
		return elferr.New(elferr.MapFailed, "reloc.writeTLSDescriptor", elferr.WithSymbol(symName))
	}
	desc := (*tlsDescriptor)(sliceAddr(t.Bytes, r.Offset))
	desc.Resolver = tlsdescResolverStub()
	desc.Arg = off + uintptr(r.Addend)
	return nil
}
