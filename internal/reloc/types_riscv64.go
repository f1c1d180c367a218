//go:build riscv64

package reloc

// RISC-V relocation type numbers, per the RISC-V ELF psABI.
const (
	R_RISCV_64         uint32 = 2
	R_RISCV_RELATIVE   uint32 = 3
	R_RISCV_COPY       uint32 = 4
	R_RISCV_JUMP_SLOT  uint32 = 5
	R_RISCV_TLS_DTPMOD64 uint32 = 7
	R_RISCV_TLS_DTPREL64 uint32 = 9
	R_RISCV_TLS_TPREL64  uint32 = 11
	R_RISCV_IRELATIVE    uint32 = 58
)

// RISCV64Table is the relocation-apply capability variant for RISC-V.
//
// RISC-V has no TLSDESC relocation type in this core's supported set, and
// per spec.md §4.5's note on architectures without lazy-binding support,
// RISC-V falls back to eager JUMP_SLOT resolution regardless of the LAZY
// open flag (see reloc.SupportsLazyBinding).
var RISCV64Table = Table{
	R_RISCV_64:           CategoryAbsolute,
	R_RISCV_JUMP_SLOT:    CategoryAbsolute,
	R_RISCV_RELATIVE:     CategoryRelative,
	R_RISCV_COPY:         CategoryCopy,
	R_RISCV_TLS_TPREL64:  CategoryTPOFF,
	R_RISCV_TLS_DTPMOD64: CategoryDTPMOD,
	R_RISCV_TLS_DTPREL64: CategoryDTPOFF,
	R_RISCV_IRELATIVE:    CategoryIrelative,
}

// HostTable is the relocation-apply capability variant for the build's
// host architecture.
var HostTable = RISCV64Table

// SupportsLazyBinding reports whether this architecture's PLT trampoline
// supports lazy JUMP_SLOT resolution. RISC-V falls back to eager
// resolution regardless of the LAZY open flag, per spec.md §4.5.
func SupportsLazyBinding() bool { return false }
