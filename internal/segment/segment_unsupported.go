//go:build !linux

package segment

import (
	"io"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// Mapping is an opaque placeholder on platforms the core does not support.
// spec.md §1 scopes this core to Unix-like systems; this build narrows
// further to Linux (see DESIGN.md), matching the teacher's per-OS
// memmod_unsupported.go stub for anything outside its supported set.
type Mapping struct{}

var errUnsupportedPlatform = elferr.New(elferr.MapFailed, "segment",
	elferr.WithErr(errUnsupportedPlatformCause{}))

type errUnsupportedPlatformCause struct{}

func (errUnsupportedPlatformCause) Error() string {
	return "segment: only linux/amd64, linux/arm64, and linux/riscv64 are supported"
}

func Span(phdrs []elf.Phdr) (uintptr, uintptr) { return 0, 0 }

func Reserve(size uintptr, freestanding bool, buf []byte) (*Mapping, error) {
	return nil, errUnsupportedPlatform
}

func MapLoad(m *Mapping, minVaddr uintptr, ph elf.Phdr, r io.ReaderAt) error {
	return errUnsupportedPlatform
}

func ApplyRelro(m *Mapping, minVaddr uintptr, ph elf.Phdr) error {
	return errUnsupportedPlatform
}

func Unmap(m *Mapping) error { return errUnsupportedPlatform }

func SortLoads(phdrs []elf.Phdr) []elf.Phdr { return nil }
