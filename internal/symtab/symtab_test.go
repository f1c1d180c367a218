package symtab

import (
	"testing"

	"github.com/go-vdl/vdl/internal/elf"
)

func testStrtab(names []string) func(uint32) (string, error) {
	return func(off uint32) (string, error) {
		if int(off) >= len(names) {
			return "", errNoSymtab
		}
		return names[off], nil
	}
}

func TestSymbolEligibility(t *testing.T) {
	cases := []struct {
		name string
		sym  Symbol
		want bool
	}{
		{"undef", Symbol{Shndx: elf.SHN_UNDEF, Bind: elf.STB_GLOBAL}, false},
		{"hidden", Symbol{Shndx: 1, Bind: elf.STB_GLOBAL, Visibility: elf.STV_HIDDEN}, false},
		{"global-visible", Symbol{Shndx: 1, Bind: elf.STB_GLOBAL}, true},
		{"weak-visible", Symbol{Shndx: 1, Bind: elf.STB_WEAK}, true},
		{"local", Symbol{Shndx: 1, Bind: elf.STB_LOCAL}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.sym.eligible(); got != c.want {
				t.Errorf("eligible() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestVersionMatches(t *testing.T) {
	v1 := &Version{Name: "GLIBC_2.2.5"}
	v1Hidden := &Version{Name: "GLIBC_2.2.5", Hidden: true}

	cases := []struct {
		name string
		sym  *Symbol
		want *Version
		ok   bool
	}{
		{"unversioned sym, unversioned want", &Symbol{}, nil, true},
		{"unversioned sym, versioned want", &Symbol{}, v1, false},
		{"default version, unversioned want", &Symbol{Version: v1}, nil, true},
		{"default version, matching want", &Symbol{Version: v1}, v1, true},
		{"hidden version, unversioned want", &Symbol{Version: v1Hidden}, nil, false},
		{"hidden version, matching want", &Symbol{Version: v1Hidden}, &Version{Name: "GLIBC_2.2.5"}, true},
		{"hidden version, mismatched want", &Symbol{Version: v1Hidden}, &Version{Name: "GLIBC_2.3"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := versionMatches(c.sym, c.want); got != c.ok {
				t.Errorf("versionMatches() = %v, want %v", got, c.ok)
			}
		})
	}
}

func TestTableByIndex(t *testing.T) {
	tbl := &Table{
		syms: []elf.Sym{
			{Name: 0, Value: 0x1000, Size: 16, Info: elf.STB_GLOBAL << 4},
		},
		strtab: testStrtab([]string{"foo"}),
	}
	sym, ok := tbl.ByIndex(0)
	if !ok {
		t.Fatal("ByIndex(0) returned ok=false")
	}
	if sym.Name != "foo" || sym.Value != 0x1000 {
		t.Errorf("sym = %+v, want Name=foo Value=0x1000", sym)
	}
	if _, ok := tbl.ByIndex(5); ok {
		t.Error("ByIndex(5) returned ok=true for out-of-range index")
	}
}

func TestTableNearestExactRangeMatch(t *testing.T) {
	tbl := &Table{
		syms: []elf.Sym{
			{Name: 0, Value: 0x1000, Size: 0x40, Info: elf.STB_GLOBAL << 4, Shndx: 1},
			{Name: 1, Value: 0x2000, Size: 0x10, Info: elf.STB_GLOBAL << 4, Shndx: 1},
		},
		strtab: testStrtab([]string{"first", "second"}),
	}
	sym, ok := tbl.Nearest(0x1020)
	if !ok || sym.Name != "first" {
		t.Fatalf("Nearest(0x1020) = %+v, %v; want first, true", sym, ok)
	}
	sym, ok = tbl.Nearest(0x2008)
	if !ok || sym.Name != "second" {
		t.Fatalf("Nearest(0x2008) = %+v, %v; want second, true", sym, ok)
	}
	if _, ok := tbl.Nearest(0x3000); ok {
		t.Error("Nearest(0x3000) found a symbol with no covering range")
	}
}

func TestTableNearestSkipsUndefined(t *testing.T) {
	tbl := &Table{
		syms: []elf.Sym{
			{Name: 0, Value: 0x1000, Size: 0x10, Shndx: elf.SHN_UNDEF},
		},
		strtab: testStrtab([]string{"undef"}),
	}
	if _, ok := tbl.Nearest(0x1004); ok {
		t.Error("Nearest matched an SHN_UNDEF symbol")
	}
}
