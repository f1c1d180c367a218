//go:build linux && amd64

package tls

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const archGetFS = 0x1003 // ARCH_GET_FS, from <asm/prctl.h>

// ThreadPointer returns the current thread's FS-base value, the
// architecture-specific thread register spec.md §4.6 names for x86_64.
// golang.org/x/sys/unix does not wrap arch_prctl(2) (it is listed
// "Unimplemented" in syscall_linux.go), so the raw syscall number is used
// directly via unix.Syscall, the same pattern x/sys itself uses internally
// for syscalls it hasn't wrapped yet.
func ThreadPointer() (uintptr, error) {
	var fsbase uintptr
	_, _, errno := unix.Syscall(unix.SYS_ARCH_PRCTL, archGetFS, uintptr(unsafe.Pointer(&fsbase)), 0)
	if errno != 0 {
		return 0, errno
	}
	return fsbase, nil
}
