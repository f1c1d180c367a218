//go:build !(linux && (amd64 || arm64 || riscv64))

package tls

import "errors"

// ThreadPointer is unsupported outside the three architectures spec.md §2
// names (x86_64, aarch64, riscv64) on Linux.
func ThreadPointer() (uintptr, error) {
	return 0, errors.New("tls: ThreadPointer unsupported on this platform")
}
