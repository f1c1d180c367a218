//go:build riscv64

package reloc

// riscv64 has no lazy-binding trampoline (SupportsLazyBinding returns
// false), so InstallLazyPLT always fails before this is read; it exists
// only so the package links on every architecture.
func pltResolveTrampolineAddr() uintptr { return 0 }
