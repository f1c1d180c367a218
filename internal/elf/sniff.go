package elf

import (
	"bytes"
	stdelf "debug/elf"
	"fmt"
	"io"
	"runtime"

	"github.com/go-vdl/vdl/internal/elferr"
)

// SniffMachine double-checks class/machine/type using the standard
// library's debug/elf before the hand-rolled digest above is trusted,
// mirroring the validation the teacher performs with debug/elf against the
// host architecture before ever touching program headers itself. b must be
// the image's full contents — debug/elf.NewFile reads the program- and
// section-header tables too, which on a real shared object sit well past
// the 64-byte ELF header.
func SniffMachine(b []byte) error {
	return SniffMachineReaderAt(bytes.NewReader(b))
}

// SniffMachineReaderAt is SniffMachine for a file-backed image, so a
// disk-resident shared object can be sniffed without reading it twice or
// truncating it to the ELF header first.
func SniffMachineReaderAt(r io.ReaderAt) error {
	f, err := stdelf.NewFile(r)
	if err != nil {
		return elferr.New(elferr.InvalidImage, "elf.SniffMachine", elferr.WithErr(err))
	}
	defer f.Close()

	want, err := hostMachine()
	if err != nil {
		return err
	}
	if f.Machine != want {
		return elferr.New(elferr.UnsupportedMachine, "elf.SniffMachine",
			elferr.WithErr(fmt.Errorf("image machine %s does not match host %s", f.Machine, want)))
	}
	if f.Type != stdelf.ET_DYN && f.Type != stdelf.ET_EXEC {
		return elferr.New(elferr.InvalidImage, "elf.SniffMachine",
			elferr.WithErr(fmt.Errorf("unsupported ELF type %s", f.Type)))
	}
	return nil
}

func hostMachine() (stdelf.Machine, error) {
	switch runtime.GOARCH {
	case "amd64":
		return stdelf.EM_X86_64, nil
	case "arm64":
		return stdelf.EM_AARCH64, nil
	case "riscv64":
		return stdelf.EM_RISCV, nil
	default:
		return 0, elferr.New(elferr.UnsupportedMachine, "elf.hostMachine",
			elferr.WithErr(fmt.Errorf("unsupported host architecture %s", runtime.GOARCH)))
	}
}
