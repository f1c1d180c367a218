package tls

import "unsafe"

// addrOfByte returns the address of block[offset]. Callers must keep block
// alive (via threadState.blocks) for as long as the address is used —
// exactly the same caveat as segment.addrOf for mapped segments.
//
// A zero-size TLS image (spec.md §8: "empty PT_TLS yields a usable module
// with a zero-size image") produces a block with len 0; offset is then
// always 0 and the returned address, computed from the slice's data
// pointer via unsafe.SliceData, is never dereferenced.
func addrOfByte(block []byte, offset uintptr) uintptr {
	base := unsafe.Pointer(unsafe.SliceData(block))
	return uintptr(base) + offset
}
