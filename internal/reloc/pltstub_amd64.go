//go:build amd64

package reloc

import "reflect"

// tlsdescTrampoline is the only assembly the TLS-descriptor category needs:
// the TLSDESC ABI calls whatever address sits in the descriptor's first
// word with a pointer to the descriptor itself in RAX, and expects the
// thread-pointer-relative offset back in RAX. See plt_amd64.s.
func tlsdescTrampoline()

var tlsdescResolverStubAddr = reflect.ValueOf(tlsdescTrampoline).Pointer()

// tlsdescResolverStub returns the address written into a TLSDESC slot's
// resolver word (internal/reloc/tlsdesc.go).
func tlsdescResolverStub() uintptr { return uintptr(tlsdescResolverStubAddr) }
