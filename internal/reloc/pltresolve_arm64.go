//go:build arm64

package reloc

import "reflect"

// pltResolveTrampoline is GOT[2]'s target once InstallLazyPLT runs. See
// plt_arm64.s.
func pltResolveTrampoline()

var pltResolveTrampolineAddrValue = reflect.ValueOf(pltResolveTrampoline).Pointer()

func pltResolveTrampolineAddr() uintptr { return uintptr(pltResolveTrampolineAddrValue) }
