//go:build linux

package segment

import "unsafe"

// addrOf returns the address of a byte slice's backing storage. Callers
// must keep the slice alive (via the Mapping struct) for as long as the
// returned address is in use.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
