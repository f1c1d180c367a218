// Package elf parses 64-bit ELF shared-object and executable images into a
// structured digest the rest of the core operates on.
//
// The struct layouts below mirror the canonical ELF64 on-disk shapes; field
// names follow the convention used across the corpus's hand-rolled ELF
// readers rather than debug/elf's naming, so the digest reads naturally
// alongside the relocation/symbol-table code that consumes it.
package elf

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/go-vdl/vdl/internal/elferr"
)

const (
	EhdrSize = int(unsafe.Sizeof(Ehdr{}))
	PhdrSize = int(unsafe.Sizeof(Phdr{}))
	DynSize  = int(unsafe.Sizeof(Dyn{}))
	SymSize  = int(unsafe.Sizeof(Sym{}))
	RelaSize = int(unsafe.Sizeof(Rela{}))
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Ehdr is the ELF64 file header.
type Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// Type values (e_type).
const (
	ET_NONE uint16 = 0
	ET_REL  uint16 = 1
	ET_EXEC uint16 = 2
	ET_DYN  uint16 = 3
	ET_CORE uint16 = 4
)

// Machine values (e_machine) the core supports, per spec.md's Non-goals.
const (
	EM_X86_64  uint16 = 62
	EM_AARCH64 uint16 = 183
	EM_RISCV   uint16 = 243
)

// Phdr is an ELF64 program header.
type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// Program header types relevant to the core.
const (
	PT_NULL         uint32 = 0
	PT_LOAD         uint32 = 1
	PT_DYNAMIC      uint32 = 2
	PT_INTERP       uint32 = 3
	PT_PHDR         uint32 = 6
	PT_TLS          uint32 = 7
	PT_GNU_EH_FRAME uint32 = 0x6474e550
	PT_GNU_RELRO    uint32 = 0x6474e552
)

// Segment permission flags (p_flags).
const (
	PF_X uint32 = 1 << 0
	PF_W uint32 = 1 << 1
	PF_R uint32 = 1 << 2
)

// Dyn is a single PT_DYNAMIC entry.
type Dyn struct {
	Tag int64
	Val uint64
}

// Dynamic tags consumed by the parser.
const (
	DT_NULL     int64 = 0
	DT_NEEDED   int64 = 1
	DT_PLTRELSZ int64 = 2
	DT_HASH     int64 = 4
	DT_STRTAB   int64 = 5
	DT_SYMTAB   int64 = 6
	DT_RELA     int64 = 7
	DT_RELASZ   int64 = 8
	DT_RELAENT  int64 = 9
	DT_STRSZ    int64 = 10
	DT_SYMENT   int64 = 11
	DT_INIT     int64 = 12
	DT_FINI     int64 = 13
	DT_SONAME   int64 = 14
	DT_RPATH    int64 = 15
	DT_REL      int64 = 17
	DT_RELSZ    int64 = 18
	DT_RELENT   int64 = 19
	DT_PLTREL   int64 = 20
	DT_PLTGOT   int64 = 3
	DT_JMPREL   int64 = 23
	DT_INIT_ARRAY    int64 = 25
	DT_FINI_ARRAY    int64 = 26
	DT_INIT_ARRAYSZ  int64 = 27
	DT_FINI_ARRAYSZ  int64 = 28
	DT_RUNPATH       int64 = 29
	DT_FLAGS         int64 = 30
	DT_GNU_HASH      int64 = 0x6ffffef5
	DT_VERSYM        int64 = 0x6ffffff0
	DT_VERDEF        int64 = 0x6ffffffc
	DT_VERDEFNUM     int64 = 0x6ffffffd
	DT_VERNEED       int64 = 0x6ffffffe
	DT_VERNEEDNUM    int64 = 0x6fffffff
	DT_FLAGS_1       int64 = 0x6ffffffb
)

// DT_FLAGS_1 bits the parser surfaces (see SPEC_FULL.md §4.1 supplement).
const (
	DF_1_NOW      uint64 = 1 << 0
	DF_1_GLOBAL   uint64 = 1 << 1
	DF_1_NODELETE uint64 = 1 << 3
)

// Sym is an ELF64 symbol table entry.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s Sym) Bind() uint8 { return s.Info >> 4 }
func (s Sym) Type() uint8 { return s.Info & 0xf }

const (
	STB_LOCAL  uint8 = 0
	STB_GLOBAL uint8 = 1
	STB_WEAK   uint8 = 2
)

const (
	SHN_UNDEF  uint16 = 0
	SHN_ABS    uint16 = 0xfff1
	SHN_COMMON uint16 = 0xfff2
)

const (
	STV_DEFAULT   uint8 = 0
	STV_INTERNAL  uint8 = 1
	STV_HIDDEN    uint8 = 2
	STV_PROTECTED uint8 = 3
)

func (s Sym) Visibility() uint8 { return s.Other & 0x3 }

// Rela is an ELF64 Elf64_Rela entry (explicit-addend relocation).
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r Rela) Type() uint32 { return uint32(r.Info) }
func (r Rela) Sym() uint32  { return uint32(r.Info >> 32) }

// Image is the parsed digest of one ELF object.
type Image struct {
	Ehdr    Ehdr
	Phdrs   []Phdr
	Dynamic *Dynamic

	// Raw backs ParseBytes loads (freestanding / in-memory); File backs
	// Parse loads. Exactly one is non-nil.
	Raw  []byte
	File io.ReaderAt
	Size int64
}

// Dynamic is the resolved set of PT_DYNAMIC entries the core consumes,
// named per spec.md §4.1.
type Dynamic struct {
	Entries []Dyn

	StrTabOff  uint64
	StrTabSize uint64
	SymTabOff  uint64

	HashOff    uint64
	GNUHashOff uint64

	RelaOff, RelaSize, RelaEnt uint64
	RelOff, RelSize, RelEnt    uint64
	JmpRelOff                  uint64
	PltRelSize                 uint64
	PltRelIsRela               bool
	PltGotOff                  uint64 // DT_PLTGOT vaddr; 0 if absent (no PLT)

	InitFunc       uint64
	FiniFunc       uint64
	InitArrayOff   uint64
	InitArraySize  uint64
	FiniArrayOff   uint64
	FiniArraySize  uint64

	Needed     []uint32 // strtab offsets, resolved to strings after StrTab is known
	SonameOff  int64 // -1 if absent
	RunpathOff int64 // -1 if absent
	RpathOff   int64 // -1 if absent

	Flags   uint64
	Flags1  uint64

	VersymOff  uint64
	VerdefOff  uint64
	VerdefNum  uint64
	VerneedOff uint64
	VerneedNum uint64
}

// NodeleteSticky reports whether DT_FLAGS_1 requests NODELETE regardless of
// the caller's open flags (SPEC_FULL.md §4.1 supplement).
func (d *Dynamic) NodeleteSticky() bool { return d.Flags1&DF_1_NODELETE != 0 }

// GlobalSticky reports whether DT_FLAGS_1 requests DF_1_GLOBAL.
func (d *Dynamic) GlobalSticky() bool { return d.Flags1&DF_1_GLOBAL != 0 }

// NowSticky reports whether DT_FLAGS_1 requests DF_1_NOW (eager binding).
func (d *Dynamic) NowSticky() bool { return d.Flags1&DF_1_NOW != 0 }

// ParseBytes parses an in-memory ELF image, used for freestanding loads
// where no file descriptor backs the bytes (spec.md §4.2's "pre-supplied
// byte buffer" case).
func ParseBytes(b []byte) (*Image, error) {
	img, err := parseHeaders(b)
	if err != nil {
		return nil, err
	}
	img.Raw = b
	img.Size = int64(len(b))
	if err := parseDynamic(img, sliceReaderAt(b)); err != nil {
		return nil, err
	}
	return img, nil
}

// Parse parses a file-backed ELF image of the given size.
func Parse(r io.ReaderAt, size int64) (*Image, error) {
	hdr := make([]byte, EhdrSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, elferr.New(elferr.Truncated, "elf.Parse", elferr.WithErr(err))
	}
	img, err := parseHeaders(hdr)
	if err != nil {
		return nil, err
	}
	img.File = r
	img.Size = size

	phBuf := make([]byte, int(img.Ehdr.PhNum)*PhdrSize)
	if int64(img.Ehdr.PhOff)+int64(len(phBuf)) > size {
		return nil, elferr.New(elferr.Truncated, "elf.Parse", elferr.WithErr(io.ErrUnexpectedEOF))
	}
	if _, err := r.ReadAt(phBuf, int64(img.Ehdr.PhOff)); err != nil {
		return nil, elferr.New(elferr.Truncated, "elf.Parse", elferr.WithErr(err))
	}
	img.Phdrs = decodePhdrs(phBuf, int(img.Ehdr.PhNum))

	if err := parseDynamic(img, r); err != nil {
		return nil, err
	}
	return img, nil
}

func parseHeaders(b []byte) (*Image, error) {
	if len(b) < EhdrSize {
		return nil, elferr.New(elferr.Truncated, "elf.parseHeaders")
	}
	var ehdr Ehdr
	copy(ehdr.Ident[:], b[0:16])
	if ehdr.Ident[0] != elfMagic[0] || ehdr.Ident[1] != elfMagic[1] ||
		ehdr.Ident[2] != elfMagic[2] || ehdr.Ident[3] != elfMagic[3] {
		return nil, elferr.New(elferr.InvalidImage, "elf.parseHeaders", elferr.WithErr(errBadMagic))
	}
	const (
		classByte    = 4
		dataByte     = 5
		class64      = 2
		dataLittle   = 1
	)
	if ehdr.Ident[classByte] != class64 {
		return nil, elferr.New(elferr.InvalidImage, "elf.parseHeaders", elferr.WithErr(errNot64Bit))
	}
	if ehdr.Ident[dataByte] != dataLittle {
		return nil, elferr.New(elferr.InvalidImage, "elf.parseHeaders", elferr.WithErr(errNotLittleEndian))
	}

	bo := binary.LittleEndian
	ehdr.Type = bo.Uint16(b[16:18])
	ehdr.Machine = bo.Uint16(b[18:20])
	ehdr.Version = bo.Uint32(b[20:24])
	ehdr.Entry = bo.Uint64(b[24:32])
	ehdr.PhOff = bo.Uint64(b[32:40])
	ehdr.ShOff = bo.Uint64(b[40:48])
	ehdr.Flags = bo.Uint32(b[48:52])
	ehdr.EhSize = bo.Uint16(b[52:54])
	ehdr.PhEntSize = bo.Uint16(b[54:56])
	ehdr.PhNum = bo.Uint16(b[56:58])
	ehdr.ShEntSize = bo.Uint16(b[58:60])
	ehdr.ShNum = bo.Uint16(b[60:62])
	ehdr.ShStrNdx = bo.Uint16(b[62:64])

	if !supportedMachine(ehdr.Machine) {
		return nil, elferr.New(elferr.UnsupportedMachine, "elf.parseHeaders",
			elferr.WithErr(errUnsupportedMachine))
	}
	if ehdr.Type != ET_DYN && ehdr.Type != ET_EXEC {
		return nil, elferr.New(elferr.InvalidImage, "elf.parseHeaders", elferr.WithErr(errUnsupportedType))
	}

	img := &Image{Ehdr: ehdr}
	if len(b) >= int(ehdr.PhOff)+int(ehdr.PhNum)*PhdrSize {
		img.Phdrs = decodePhdrs(b[ehdr.PhOff:], int(ehdr.PhNum))
	}
	return img, nil
}

func decodePhdrs(b []byte, n int) []Phdr {
	bo := binary.LittleEndian
	out := make([]Phdr, n)
	for i := 0; i < n; i++ {
		off := i * PhdrSize
		p := &out[i]
		p.Type = bo.Uint32(b[off : off+4])
		p.Flags = bo.Uint32(b[off+4 : off+8])
		p.Offset = bo.Uint64(b[off+8 : off+16])
		p.VAddr = bo.Uint64(b[off+16 : off+24])
		p.PAddr = bo.Uint64(b[off+24 : off+32])
		p.FileSize = bo.Uint64(b[off+32 : off+40])
		p.MemSize = bo.Uint64(b[off+40 : off+48])
		p.Align = bo.Uint64(b[off+48 : off+56])
	}
	return out
}

func decodeDyn(b []byte, n int) []Dyn {
	bo := binary.LittleEndian
	out := make([]Dyn, n)
	for i := 0; i < n; i++ {
		off := i * DynSize
		out[i].Tag = int64(bo.Uint64(b[off : off+8]))
		out[i].Val = bo.Uint64(b[off+8 : off+16])
	}
	return out
}

func supportedMachine(m uint16) bool {
	switch m {
	case EM_X86_64, EM_AARCH64, EM_RISCV:
		return true
	default:
		return false
	}
}

type readerAtFunc func(p []byte, off int64) (int, error)

func (f readerAtFunc) ReadAt(p []byte, off int64) (int, error) { return f(p, off) }

func sliceReaderAt(b []byte) io.ReaderAt {
	return readerAtFunc(func(p []byte, off int64) (int, error) {
		if off < 0 || off > int64(len(b)) {
			return 0, io.EOF
		}
		n := copy(p, b[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	})
}
