//go:build amd64

package reloc

import "reflect"

// pltResolveTrampoline is GOT[2]'s target once InstallLazyPLT runs: every
// not-yet-converged JUMP_SLOT, after the Object's own PLTn+6/PLT0 stubs
// push the reloc index and GOT[1], lands here. See plt_amd64.s.
func pltResolveTrampoline()

var pltResolveTrampolineAddrValue = reflect.ValueOf(pltResolveTrampoline).Pointer()

func pltResolveTrampolineAddr() uintptr { return uintptr(pltResolveTrampolineAddrValue) }
