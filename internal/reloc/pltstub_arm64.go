//go:build arm64

package reloc

import "reflect"

// tlsdescTrampoline mirrors tlsdescTrampoline_amd64's contract under the
// AArch64 TLSDESC ABI: X0 holds the descriptor pointer on entry, X0 holds
// the thread-pointer-relative offset on return. See plt_arm64.s.
func tlsdescTrampoline()

var tlsdescResolverStubAddr = reflect.ValueOf(tlsdescTrampoline).Pointer()

func tlsdescResolverStub() uintptr { return uintptr(tlsdescResolverStubAddr) }
