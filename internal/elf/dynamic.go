package elf

import (
	"errors"
	"io"

	"github.com/go-vdl/vdl/internal/elferr"
)

var (
	errBadMagic            = errors.New("bad ELF magic")
	errNot64Bit            = errors.New("not a 64-bit ELF class")
	errNotLittleEndian     = errors.New("not a little-endian ELF image")
	errUnsupportedMachine  = errors.New("machine does not match host architecture")
	errUnsupportedType     = errors.New("e_type is neither ET_DYN nor ET_EXEC")
	errMissingStrtabSymtab = errors.New("PT_DYNAMIC has relocations but is missing DT_STRTAB or DT_SYMTAB")
)

// parseDynamic locates PT_DYNAMIC, decodes its entries, and resolves the
// tags into the Dynamic digest per spec.md §4.1.
func parseDynamic(img *Image, r io.ReaderAt) error {
	var dynPhdr *Phdr
	for i := range img.Phdrs {
		if img.Phdrs[i].Type == PT_DYNAMIC {
			dynPhdr = &img.Phdrs[i]
			break
		}
	}
	if dynPhdr == nil {
		// A shared object with no dynamic section (static PIE, rare) — not
		// an error; the rest of the core just sees a nil Dynamic and skips
		// dependency/relocation processing.
		return nil
	}

	n := int(dynPhdr.FileSize) / DynSize
	buf := make([]byte, n*DynSize)
	if _, err := r.ReadAt(buf, int64(dynPhdr.Offset)); err != nil {
		return elferr.New(elferr.Truncated, "elf.parseDynamic", elferr.WithErr(err))
	}
	entries := decodeDyn(buf, n)

	d := &Dynamic{Entries: entries, SonameOff: -1, RunpathOff: -1, RpathOff: -1}
	for _, e := range entries {
		switch e.Tag {
		case DT_NULL:
			// terminator; entries slice may still have trailing padding
		case DT_STRTAB:
			d.StrTabOff = e.Val
		case DT_STRSZ:
			d.StrTabSize = e.Val
		case DT_SYMTAB:
			d.SymTabOff = e.Val
		case DT_HASH:
			d.HashOff = e.Val
		case DT_GNU_HASH:
			d.GNUHashOff = e.Val
		case DT_RELA:
			d.RelaOff = e.Val
		case DT_RELASZ:
			d.RelaSize = e.Val
		case DT_RELAENT:
			d.RelaEnt = e.Val
		case DT_REL:
			d.RelOff = e.Val
		case DT_RELSZ:
			d.RelSize = e.Val
		case DT_RELENT:
			d.RelEnt = e.Val
		case DT_JMPREL:
			d.JmpRelOff = e.Val
		case DT_PLTGOT:
			d.PltGotOff = e.Val
		case DT_PLTRELSZ:
			d.PltRelSize = e.Val
		case DT_PLTREL:
			d.PltRelIsRela = e.Val == uint64(dtRelaTagValue)
		case DT_INIT:
			d.InitFunc = e.Val
		case DT_FINI:
			d.FiniFunc = e.Val
		case DT_INIT_ARRAY:
			d.InitArrayOff = e.Val
		case DT_INIT_ARRAYSZ:
			d.InitArraySize = e.Val
		case DT_FINI_ARRAY:
			d.FiniArrayOff = e.Val
		case DT_FINI_ARRAYSZ:
			d.FiniArraySize = e.Val
		case DT_NEEDED:
			d.Needed = append(d.Needed, uint32(e.Val))
		case DT_SONAME:
			d.SonameOff = int64(e.Val)
		case DT_RUNPATH:
			d.RunpathOff = int64(e.Val)
		case DT_RPATH:
			d.RpathOff = int64(e.Val)
		case DT_FLAGS:
			d.Flags = e.Val
		case DT_FLAGS_1:
			d.Flags1 = e.Val
		case DT_VERSYM:
			d.VersymOff = e.Val
		case DT_VERDEF:
			d.VerdefOff = e.Val
		case DT_VERDEFNUM:
			d.VerdefNum = e.Val
		case DT_VERNEED:
			d.VerneedOff = e.Val
		case DT_VERNEEDNUM:
			d.VerneedNum = e.Val
		}
	}

	hasRelocs := d.RelaSize > 0 || d.RelSize > 0 || d.PltRelSize > 0
	if hasRelocs && (d.StrTabOff == 0 || d.SymTabOff == 0) {
		return elferr.New(elferr.MalformedDynamic, "elf.parseDynamic", elferr.WithErr(errMissingStrtabSymtab))
	}

	// Every *Off field above is a PT_DYNAMIC virtual address, but the rest
	// of the core reads them through img.readAt/img.Relocs as positions in
	// the file (or the freestanding buffer). That coincides with the vaddr
	// only when the first PT_LOAD maps file offset 0 at vaddr 0; translate
	// through the PT_LOAD phdrs so it holds generally.
	if err := translateVaddrFields(img, d); err != nil {
		return err
	}

	img.Dynamic = d
	return nil
}

// translateVaddrFields rewrites the Dynamic fields that back a file/buffer
// read (as opposed to a runtime, load-base-relative address such as
// InitFunc or PltGotOff) from link-time virtual addresses to file offsets.
func translateVaddrFields(img *Image, d *Dynamic) error {
	fields := []*uint64{
		&d.StrTabOff, &d.SymTabOff, &d.HashOff, &d.GNUHashOff,
		&d.RelaOff, &d.RelOff, &d.JmpRelOff,
		&d.VersymOff, &d.VerdefOff, &d.VerneedOff,
	}
	for _, f := range fields {
		if *f == 0 {
			continue
		}
		off, err := VaddrToFileOffset(img.Phdrs, *f)
		if err != nil {
			return elferr.New(elferr.MalformedDynamic, "elf.parseDynamic", elferr.WithErr(err))
		}
		*f = off
	}
	return nil
}

// VaddrToFileOffset translates a link-time virtual address to its file
// position via the PT_LOAD segment that maps it, per the standard ELF
// invariant that p_offset - p_vaddr is constant within a PT_LOAD (mod
// p_align) — the same mapping segment.MapLoad itself relies on.
func VaddrToFileOffset(phdrs []Phdr, vaddr uint64) (uint64, error) {
	for _, p := range phdrs {
		if p.Type != PT_LOAD {
			continue
		}
		if vaddr >= p.VAddr && vaddr < p.VAddr+p.FileSize {
			return p.Offset + (vaddr - p.VAddr), nil
		}
	}
	return 0, errVaddrNotMapped
}

var errVaddrNotMapped = errors.New("virtual address not covered by any PT_LOAD's file range")

// dtRelaTagValue is DT_RELA's own tag value, used to decode DT_PLTREL which
// stores either DT_REL or DT_RELA to say which relocation shape DT_JMPREL
// entries use.
const dtRelaTagValue = DT_RELA

// String reads a NUL-terminated string at the given strtab-relative offset.
func (img *Image) String(off uint32) (string, error) {
	if img.Dynamic == nil {
		return "", elferr.New(elferr.MalformedDynamic, "elf.String")
	}
	base := img.Dynamic.StrTabOff + uint64(off)
	const maxLen = 4096
	buf := make([]byte, maxLen)
	n, err := img.readAt(buf, int64(base))
	if err != nil && n == 0 {
		return "", elferr.New(elferr.Truncated, "elf.String", elferr.WithErr(err))
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf[:n]), nil
}

func (img *Image) readAt(p []byte, off int64) (int, error) {
	if img.File != nil {
		return img.File.ReadAt(p, off)
	}
	return sliceReaderAt(img.Raw).ReadAt(p, off)
}

// ReadAt exposes the image's backing reader to other core packages (segment
// mapper, symbol table) without leaking whether the Image is file- or
// buffer-backed.
func (img *Image) ReadAt(p []byte, off int64) (int, error) { return img.readAt(p, off) }

// Syms decodes the first count entries of the dynamic symbol table. The
// symtab has no explicit count, so the caller passes one: the hash table's
// nchain, or a bound found by scanning (symtab.EstimateSymCount).
func (img *Image) Syms(count int) ([]Sym, error) {
	if img.Dynamic == nil || img.Dynamic.SymTabOff == 0 {
		return nil, nil
	}
	buf := make([]byte, count*SymSize)
	if _, err := img.readAt(buf, int64(img.Dynamic.SymTabOff)); err != nil {
		return nil, elferr.New(elferr.Truncated, "elf.Syms", elferr.WithErr(err))
	}
	return decodeSyms(buf, count), nil
}

func decodeSyms(b []byte, n int) []Sym {
	out := make([]Sym, n)
	for i := 0; i < n; i++ {
		off := i * SymSize
		s := &out[i]
		s.Name = leUint32(b[off : off+4])
		s.Info = b[off+4]
		s.Other = b[off+5]
		s.Shndx = leUint16(b[off+6 : off+8])
		s.Value = leUint64(b[off+8 : off+16])
		s.Size = leUint64(b[off+16 : off+24])
	}
	return out
}

// Relocs decodes a DT_RELA-shaped relocation table of byteSize bytes
// starting at off.
func (img *Image) Relocs(off, byteSize uint64) ([]Rela, error) {
	if byteSize == 0 {
		return nil, nil
	}
	n := int(byteSize) / RelaSize
	buf := make([]byte, n*RelaSize)
	if _, err := img.readAt(buf, int64(off)); err != nil {
		return nil, elferr.New(elferr.Truncated, "elf.Relocs", elferr.WithErr(err))
	}
	out := make([]Rela, n)
	for i := 0; i < n; i++ {
		b := off2(buf, i*RelaSize)
		out[i].Offset = leUint64(b[0:8])
		out[i].Info = leUint64(b[8:16])
		out[i].Addend = int64(leUint64(b[16:24]))
	}
	return out, nil
}

func off2(b []byte, off int) []byte { return b[off:] }

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
