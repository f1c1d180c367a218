package lifecycle

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/linkmap"
)

// absoluteRelocType returns the numeric relocation type this host's
// RelocTable maps to CategoryAbsolute (R_*_64/ABS64), so the fixture below
// stays portable across the architectures the core supports.
func absoluteRelocType(t *testing.T) uint32 {
	switch runtime.GOARCH {
	case "amd64":
		return 1 // R_X86_64_64
	case "arm64":
		return 257 // R_AARCH64_ABS64
	case "riscv64":
		return 2 // R_RISCV_64
	default:
		t.Skipf("no absolute relocation type known for GOARCH=%s", runtime.GOARCH)
		return 0
	}
}

func hostMachine(t *testing.T) uint16 {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	default:
		t.Skipf("no fixture machine value for GOARCH=%s", runtime.GOARCH)
		return 0
	}
}

// buildExporter hand-assembles a one-page ET_DYN image exporting a single
// global symbol "answer" at answerBodyOff, the same shape vdl_test.go's
// top-level fixture uses.
func buildExporter(machine uint16) []byte {
	const pageSize = 4096
	const (
		ehdrOff = 0
		ehdrSz  = 64
		phdrOff = ehdrOff + ehdrSz
		phdrSz  = 56
		nPhdr   = 2

		dynOff  = phdrOff + nPhdr*phdrSz
		dynSz   = 16
		nDyn    = 5
		dynSize = nDyn * dynSz

		strOff = dynOff + dynSize
		strSz  = 1 + len("answer") + 1

		symOff = 264
		symSz  = 24
		nSym   = 2

		hashOff = symOff + nSym*symSz
		nBucket = 1
		nChain  = 2

		answerBodyOff = 2048
	)

	buf := make([]byte, pageSize)
	le := binary.LittleEndian
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1
	le.PutUint16(buf[16:18], elf.ET_DYN)
	le.PutUint16(buf[18:20], machine)
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[32:40], uint64(phdrOff))
	le.PutUint16(buf[52:54], ehdrSz)
	le.PutUint16(buf[54:56], phdrSz)
	le.PutUint16(buf[56:58], nPhdr)

	putPhdr := func(off int, typ, flags uint32, fileOff, vaddr, filesz, memsz, align uint64) {
		le.PutUint32(buf[off:off+4], typ)
		le.PutUint32(buf[off+4:off+8], flags)
		le.PutUint64(buf[off+8:off+16], fileOff)
		le.PutUint64(buf[off+16:off+24], vaddr)
		le.PutUint64(buf[off+24:off+32], vaddr)
		le.PutUint64(buf[off+32:off+40], filesz)
		le.PutUint64(buf[off+40:off+48], memsz)
		le.PutUint64(buf[off+48:off+56], align)
	}
	putPhdr(phdrOff, 1, 7, 0, 0, pageSize, pageSize, pageSize)
	putPhdr(phdrOff+phdrSz, 2, 4, uint64(dynOff), uint64(dynOff), dynSize, dynSize, 8)

	putDyn := func(i int, tag, val int64) {
		off := dynOff + i*dynSz
		le.PutUint64(buf[off:off+8], uint64(tag))
		le.PutUint64(buf[off+8:off+16], uint64(val))
	}
	putDyn(0, 5, strOff)
	putDyn(1, 10, int64(strSz))
	putDyn(2, 6, symOff)
	putDyn(3, 4, hashOff)
	putDyn(4, 0, 0)

	copy(buf[strOff+1:], "answer")

	putSym := func(i int, name uint32, info, other uint8, shndx uint16, value, size uint64) {
		off := symOff + i*symSz
		le.PutUint32(buf[off:off+4], name)
		buf[off+4] = info
		buf[off+5] = other
		le.PutUint16(buf[off+6:off+8], shndx)
		le.PutUint64(buf[off+8:off+16], value)
		le.PutUint64(buf[off+16:off+24], size)
	}
	putSym(0, 0, 0, 0, 0, 0, 0)
	const stbGlobal, sttFunc = 1, 2
	putSym(1, 1, stbGlobal<<4|sttFunc, 0, 1, answerBodyOff, 4)

	le.PutUint32(buf[hashOff:hashOff+4], nBucket)
	le.PutUint32(buf[hashOff+4:hashOff+8], nChain)
	le.PutUint32(buf[hashOff+8:hashOff+12], 1)
	le.PutUint32(buf[hashOff+12:hashOff+16], 0)
	le.PutUint32(buf[hashOff+16:hashOff+20], 0)

	copy(buf[answerBodyOff:], []byte{0x2a, 0x00, 0x00, 0x00})
	return buf
}

// buildDependent hand-assembles a one-page ET_DYN image with a DT_NEEDED
// entry naming neededName, one undefined reference to "answer", and one
// absolute relocation at relocSlotOff that the Relocation Engine must
// satisfy from the needed Object's export — spec.md §8's "NEEDED dependency
// resolution" end-to-end scenario.
func buildDependent(machine uint16, neededName string, relocType uint32) []byte {
	const pageSize = 4096
	const (
		ehdrOff = 0
		ehdrSz  = 64
		phdrOff = ehdrOff + ehdrSz
		phdrSz  = 56
		nPhdr   = 2

		dynOff  = phdrOff + nPhdr*phdrSz
		dynSz = 16
		// DT_NEEDED, DT_STRTAB, DT_STRSZ, DT_SYMTAB, DT_HASH, DT_RELA,
		// DT_RELASZ, DT_RELAENT, DT_NULL.
		nDyn    = 9
		dynSize = nDyn * dynSz

		strOff = dynOff + dynSize

		relocSlotOff = 3072
	)

	// "\0answer\0" + neededName + "\0"
	str := "\x00answer\x00" + neededName + "\x00"
	strSz := len(str)
	answerNameOff := uint32(1)                    // offset of "answer" within str
	neededNameOff := uint32(len("\x00answer\x00")) // offset of neededName within str

	symOffReal := align8(strOff + strSz)
	const nSym = 2
	const symSz = 24
	hashOff := align8(symOffReal + nSym*symSz)
	const nBucket, nChain = 1, 2
	relaOff := align8(hashOff + 8 + (nBucket+nChain)*4)
	const relaSz = 24

	buf := make([]byte, pageSize)
	le := binary.LittleEndian
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1
	le.PutUint16(buf[16:18], elf.ET_DYN)
	le.PutUint16(buf[18:20], machine)
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[32:40], uint64(phdrOff))
	le.PutUint16(buf[52:54], ehdrSz)
	le.PutUint16(buf[54:56], phdrSz)
	le.PutUint16(buf[56:58], nPhdr)

	putPhdr := func(off int, typ, flags uint32, fileOff, vaddr, filesz, memsz, align uint64) {
		le.PutUint32(buf[off:off+4], typ)
		le.PutUint32(buf[off+4:off+8], flags)
		le.PutUint64(buf[off+8:off+16], fileOff)
		le.PutUint64(buf[off+16:off+24], vaddr)
		le.PutUint64(buf[off+24:off+32], vaddr)
		le.PutUint64(buf[off+32:off+40], filesz)
		le.PutUint64(buf[off+40:off+48], memsz)
		le.PutUint64(buf[off+48:off+56], align)
	}
	putPhdr(phdrOff, 1, 6 /* R|W */, 0, 0, pageSize, pageSize, pageSize)
	putPhdr(phdrOff+phdrSz, 2, 4, uint64(dynOff), uint64(dynOff), dynSize, dynSize, 8)

	putDyn := func(i int, tag, val int64) {
		off := dynOff + i*dynSz
		le.PutUint64(buf[off:off+8], uint64(tag))
		le.PutUint64(buf[off+8:off+16], uint64(val))
	}
	putDyn(0, 1 /* DT_NEEDED */, int64(neededNameOff))
	putDyn(1, 5 /* DT_STRTAB */, int64(strOff))
	putDyn(2, 10 /* DT_STRSZ */, int64(strSz))
	putDyn(3, 6 /* DT_SYMTAB */, int64(symOffReal))
	putDyn(4, 4 /* DT_HASH */, int64(hashOff))
	putDyn(5, 7 /* DT_RELA */, int64(relaOff))
	putDyn(6, 8 /* DT_RELASZ */, relaSz)
	putDyn(7, 9 /* DT_RELAENT */, relaSz)
	putDyn(8, 0 /* DT_NULL */, 0)

	copy(buf[strOff:], str)

	putSym := func(i int, name uint32, info, other uint8, shndx uint16, value, size uint64) {
		off := symOffReal + i*symSz
		le.PutUint32(buf[off:off+4], name)
		buf[off+4] = info
		buf[off+5] = other
		le.PutUint16(buf[off+6:off+8], shndx)
		le.PutUint64(buf[off+8:off+16], value)
		le.PutUint64(buf[off+16:off+24], size)
	}
	putSym(0, 0, 0, 0, 0, 0, 0)
	const stbGlobal, sttFunc, shnUndef = 1, 2, 0
	putSym(1, answerNameOff, stbGlobal<<4|sttFunc, 0, shnUndef, 0, 0)

	// SysV hash with an empty bucket: this Object defines nothing, so
	// Lookup("answer") against itself must always miss and fall through
	// to the dependency in BuildScope.
	le.PutUint32(buf[hashOff:hashOff+4], nBucket)
	le.PutUint32(buf[hashOff+4:hashOff+8], nChain)
	le.PutUint32(buf[hashOff+8:hashOff+12], 0)
	le.PutUint32(buf[hashOff+12:hashOff+16], 0)
	le.PutUint32(buf[hashOff+16:hashOff+20], 0)

	// One R_*_64/ABS64 relocation against symbol index 1 ("answer"),
	// addend 0, writing into relocSlotOff.
	le.PutUint64(buf[relaOff:relaOff+8], uint64(relocSlotOff))
	le.PutUint64(buf[relaOff+8:relaOff+16], uint64(1)<<32|uint64(relocType))
	le.PutUint64(buf[relaOff+16:relaOff+24], 0)

	return buf
}

func align8(n int) int { return (n + 7) &^ 7 }

// TestLoadResolvesNeededDependency exercises spec.md §8's NEEDED dependency
// resolution scenario end to end through the Controller: opening a
// dependent Object whose only reference to "answer" is undefined must pull
// in the named dependency and relocate the reference to the dependency's
// export.
func TestLoadResolvesNeededDependency(t *testing.T) {
	machine := hostMachine(t)
	relocType := absoluteRelocType(t)

	c := New(nil)

	depObj, err := c.Load(LoadRequest{Path: "libneeded.so", Bytes: buildExporter(machine), Flags: linkmap.FlagNow})
	if err != nil {
		t.Fatalf("Load(libneeded.so): %v", err)
	}

	root, err := c.Load(LoadRequest{
		Path:  "dependent.so",
		Bytes: buildDependent(machine, "libneeded.so", relocType),
		Flags: linkmap.FlagNow,
	})
	if err != nil {
		t.Fatalf("Load(dependent.so): %v", err)
	}

	if len(root.Deps) != 1 || root.Deps[0] != depObj {
		t.Fatalf("dependent.so.Deps = %v, want [%v]", root.Deps, depObj)
	}

	const relocSlotOff = 3072
	got := binary.LittleEndian.Uint64(root.Mapping.Bytes[relocSlotOff : relocSlotOff+8])
	want := uint64(depObj.Mapping.Base) + 2048
	if got != want {
		t.Errorf("relocated slot = 0x%x, want 0x%x (libneeded.so's answer)", got, want)
	}
}
