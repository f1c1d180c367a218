//go:build linux

// Package segment reserves a contiguous VA range and maps an Object's
// PT_LOAD segments into it with correct permissions, per spec.md §4.2.
package segment

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// pageSize is read once via unix.Getpagesize, mirroring goloader's
// syscall.Getpagesize()-backed pageSize var.
var pageSize = uintptr(unix.Getpagesize())

func roundDown(p uintptr) uintptr { return p &^ (pageSize - 1) }
func roundUp(p uintptr) uintptr   { return (p + pageSize - 1) &^ (pageSize - 1) }

// Mapping is a mapped Object's memory: one contiguous reservation carved
// into per-PT_LOAD spans.
type Mapping struct {
	Base   uintptr
	Length uintptr

	// Bytes is the mapped memory: the mmap'd reservation for a file-backed
	// load, or the caller's buffer for a freestanding load (spec.md §4.2's
	// "pre-supplied byte buffer" case), where no real mmap/mprotect calls
	// are made and addresses are simply recorded.
	Bytes        []byte
	freestanding bool
}

// Span computes [min_vaddr, max_vaddr) across PT_LOAD entries with
// page-aligned expansion, per spec.md §4.2.
func Span(phdrs []elf.Phdr) (minVaddr, maxVaddr uintptr) {
	first := true
	for _, p := range phdrs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		lo := roundDown(uintptr(p.VAddr))
		hi := roundUp(uintptr(p.VAddr) + uintptr(p.MemSize))
		if first {
			minVaddr, maxVaddr = lo, hi
			first = false
			continue
		}
		if lo < minVaddr {
			minVaddr = lo
		}
		if hi > maxVaddr {
			maxVaddr = hi
		}
	}
	return
}

// Reserve carves out an anonymous PROT_NONE VA range of the given size, to
// avoid address-space fragmentation while individual PT_LOAD segments are
// mapped into it (spec.md §4.2). Freestanding loads skip the real
// reservation and record addresses within a caller-supplied buffer only.
func Reserve(size uintptr, freestanding bool, buf []byte) (*Mapping, error) {
	if freestanding {
		if uintptr(len(buf)) < size {
			return nil, elferr.New(elferr.MapFailed, "segment.Reserve",
				elferr.WithErr(fmt.Errorf("supplied buffer (%d bytes) smaller than required span (%d bytes)", len(buf), size)))
		}
		return &Mapping{Base: addrOf(buf), Length: size, Bytes: buf, freestanding: true}, nil
	}

	b, err := unix.Mmap(-1, 0, int(roundUp(size)), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, elferr.New(elferr.MapFailed, "segment.Reserve", elferr.WithErr(err))
	}
	return &Mapping{Base: addrOf(b), Length: size, Bytes: b}, nil
}

// MapLoad maps one PT_LOAD segment's file range at base+vaddr-minVaddr with
// permissions derived from segment flags. BSS (memsz > filesz) is
// zero-filled into the remainder of the already-reserved pages.
func MapLoad(m *Mapping, minVaddr uintptr, ph elf.Phdr, r io.ReaderAt) error {
	segOff := uintptr(ph.VAddr) - minVaddr
	if segOff+uintptr(ph.MemSize) > m.Length {
		return elferr.New(elferr.MapFailed, "segment.MapLoad",
			elferr.WithErr(fmt.Errorf("segment at vaddr 0x%x overruns reservation", ph.VAddr)))
	}

	if m.freestanding {
		// Bytes are already in place (ParseBytes callers hand us the full
		// image); nothing to copy from a file. Zero-extend BSS only.
		if ph.MemSize > ph.FileSize {
			zero(m.Bytes[segOff+uintptr(ph.FileSize) : segOff+uintptr(ph.MemSize)])
		}
		return nil
	}

	pageLo := roundDown(segOff)
	pageHi := roundUp(segOff + uintptr(ph.MemSize))

	// The reservation is still PROT_NONE here; goloader's anonymous mapping
	// is writable from the start for the same reason (mmap_unix.go maps
	// PROT_READ|PROT_WRITE|PROT_EXEC, then restricts afterward). Without
	// this the pread below faults with EFAULT.
	if err := unix.Mprotect(m.Bytes[pageLo:pageHi], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return elferr.New(elferr.MapFailed, "segment.MapLoad", elferr.WithErr(err))
	}

	if r != nil && ph.FileSize > 0 {
		dst := m.Bytes[segOff : segOff+uintptr(ph.FileSize)]
		if _, err := r.ReadAt(dst, int64(ph.Offset)); err != nil {
			return elferr.New(elferr.Truncated, "segment.MapLoad", elferr.WithErr(err))
		}
	}
	if ph.MemSize > ph.FileSize {
		zero(m.Bytes[segOff+uintptr(ph.FileSize) : segOff+uintptr(ph.MemSize)])
	}

	prot := protFromFlags(ph.Flags)
	if err := unix.Mprotect(m.Bytes[pageLo:pageHi], prot); err != nil {
		return elferr.New(elferr.MapFailed, "segment.MapLoad", elferr.WithErr(err))
	}
	return nil
}

// ApplyRelro switches a PT_GNU_RELRO range to read-only after relocation
// completes, per spec.md §4.2. A zero-byte RELRO range is a documented
// no-op (spec.md §8's boundary behaviors).
func ApplyRelro(m *Mapping, minVaddr uintptr, ph elf.Phdr) error {
	if ph.MemSize == 0 {
		return nil
	}
	segOff := uintptr(ph.VAddr) - minVaddr
	pageLo := roundDown(segOff)
	pageHi := roundUp(segOff + uintptr(ph.MemSize))
	if m.freestanding {
		return nil
	}
	if err := unix.Mprotect(m.Bytes[pageLo:pageHi], unix.PROT_READ); err != nil {
		return elferr.New(elferr.MapFailed, "segment.ApplyRelro", elferr.WithErr(err))
	}
	return nil
}

// Unmap releases the mapping's memory (reverse of Reserve), a no-op for
// freestanding loads since the caller owns that buffer.
func Unmap(m *Mapping) error {
	if m.freestanding || m.Bytes == nil {
		return nil
	}
	if err := unix.Munmap(m.Bytes); err != nil {
		return elferr.New(elferr.MapFailed, "segment.Unmap", elferr.WithErr(err))
	}
	m.Bytes = nil
	return nil
}

func protFromFlags(flags uint32) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SortLoads returns the PT_LOAD headers in ascending VAddr order, matching
// the order goloader's gap-finder expects mappings to be processed in.
func SortLoads(phdrs []elf.Phdr) []elf.Phdr {
	var loads []elf.Phdr
	for _, p := range phdrs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].VAddr < loads[j].VAddr })
	return loads
}
