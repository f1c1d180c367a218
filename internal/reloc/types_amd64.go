//go:build amd64

package reloc

// x86_64 relocation type numbers, per the System V AMD64 ABI.
const (
	R_X86_64_NONE     uint32 = 0
	R_X86_64_64       uint32 = 1
	R_X86_64_PC32     uint32 = 2
	R_X86_64_GOT32    uint32 = 3
	R_X86_64_PLT32    uint32 = 4
	R_X86_64_COPY     uint32 = 5
	R_X86_64_GLOB_DAT uint32 = 6
	R_X86_64_JUMP_SLOT uint32 = 7
	R_X86_64_RELATIVE uint32 = 8
	R_X86_64_DTPMOD64 uint32 = 16
	R_X86_64_DTPOFF64 uint32 = 17
	R_X86_64_TPOFF64  uint32 = 18
	R_X86_64_IRELATIVE uint32 = 37
	R_X86_64_TLSDESC  uint32 = 36
)

// AMD64Table is the architecture capability record's relocation-apply
// variant for x86_64.
var AMD64Table = Table{
	R_X86_64_64:        CategoryAbsolute,
	R_X86_64_GLOB_DAT:   CategoryAbsolute,
	R_X86_64_JUMP_SLOT:  CategoryAbsolute,
	R_X86_64_RELATIVE:   CategoryRelative,
	R_X86_64_COPY:       CategoryCopy,
	R_X86_64_TPOFF64:    CategoryTPOFF,
	R_X86_64_DTPMOD64:   CategoryDTPMOD,
	R_X86_64_DTPOFF64:   CategoryDTPOFF,
	R_X86_64_TLSDESC:    CategoryTLSDesc,
	R_X86_64_IRELATIVE:  CategoryIrelative,
}

// HostTable is the relocation-apply capability variant for the build's
// host architecture, used by internal/linkmap when no explicit per-Object
// override is needed (every Object's machine matches the host, enforced
// by elf.SniffMachine during load).
var HostTable = AMD64Table

// SupportsLazyBinding reports whether this architecture's PLT trampoline
// (plt_amd64.s) supports lazy JUMP_SLOT resolution.
func SupportsLazyBinding() bool { return true }
