package symtab

import (
	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
)

// Version identifies a symbol version requirement or definition, per the
// GNU symbol-versioning rules named in spec.md §4.3.
type Version struct {
	Name   string
	Hidden bool // true for a "hidden" (non-default) version definition
}

// Symbol is the resolved shape spec.md §3 names: name, value, size,
// binding, visibility, section index, optional version.
type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Bind       uint8
	Visibility uint8
	Shndx      uint16
	Version    *Version
	Index      uint32
}

func (s *Symbol) IsUndef() bool  { return s.Shndx == elf.SHN_UNDEF }
func (s *Symbol) IsAbs() bool    { return s.Shndx == elf.SHN_ABS }
func (s *Symbol) IsWeak() bool   { return s.Bind == elf.STB_WEAK }
func (s *Symbol) IsGlobal() bool { return s.Bind == elf.STB_GLOBAL }
func (s *Symbol) IsHidden() bool { return s.Visibility == elf.STV_HIDDEN || s.Visibility == elf.STV_INTERNAL }

// eligible reports whether a candidate symbol is visible across Object
// boundaries at all, per spec.md §4.3: "binding/visibility eligibility
// (global or weak; hidden symbols excluded across objects)".
func (s *Symbol) eligible() bool {
	if s.IsUndef() {
		return false
	}
	if s.IsHidden() {
		return false
	}
	return s.IsGlobal() || s.IsWeak()
}

// versionMatches implements spec.md §4.3's GNU versioning rules: hidden
// version entries match only an exact version request; default (non-hidden)
// entries match unversioned requests; absent version data matches
// unversioned requests.
func versionMatches(sym *Symbol, want *Version) bool {
	if sym.Version == nil {
		return want == nil
	}
	if sym.Version.Hidden {
		return want != nil && want.Name == sym.Version.Name
	}
	// Default version definitions satisfy both an unversioned request and
	// a request for that exact version.
	return want == nil || want.Name == sym.Version.Name
}

// Table is one Object's exported-symbol search structure: the selected
// hash back-end plus the decoded symbol/string data needed to verify
// candidates.
type Table struct {
	img     *elf.Image
	hash    HashTable
	syms    []elf.Sym
	strtab  func(off uint32) (string, error)
	version func(symIndex uint32) (*Version, error)
}

// Build constructs a Table for img, preferring DT_GNU_HASH over DT_HASH per
// spec.md §4.3's stated preference order.
func Build(img *elf.Image, versionOf func(symIndex uint32) (*Version, error)) (*Table, error) {
	if img.Dynamic == nil || img.Dynamic.SymTabOff == 0 {
		return &Table{img: img}, nil
	}

	var (
		h      HashTable
		nchain int
	)
	switch {
	case img.Dynamic.GNUHashOff != 0:
		// DT_GNU_HASH has no explicit symbol count; bound it by scanning
		// the symtab until a name offset falls outside the string table
		// (estimateSymCount), whether or not DT_HASH is also present.
		nsyms, err := estimateSymCount(img)
		if err != nil {
			return nil, err
		}
		gh, err := ParseGNUHash(img, img.Dynamic.GNUHashOff, nsyms)
		if err != nil {
			return nil, err
		}
		h = gh
		nchain = nsyms
	case img.Dynamic.HashOff != 0:
		sh, n, err := ParseSysVHash(img, img.Dynamic.HashOff)
		if err != nil {
			return nil, err
		}
		h = sh
		nchain = n
	default:
		return &Table{img: img}, nil
	}

	syms, err := img.Syms(nchain)
	if err != nil {
		return nil, err
	}

	t := &Table{
		img:  img,
		hash: h,
		syms: syms,
		strtab: func(off uint32) (string, error) {
			return img.String(off)
		},
		version: versionOf,
	}
	return t, nil
}

// estimateSymCount derives a dynamic-symbol-table count when only
// DT_GNU_HASH is present. DT_GNU_HASH does not carry a count directly; we
// bound it by scanning forward from index 0 until a symbol's name offset
// runs past the string table, which is the conventional approach taken by
// minimal ELF loaders that don't have a section header table to consult.
func EstimateSymCount(img *elf.Image) (int, error) { return estimateSymCount(img) }

func estimateSymCount(img *elf.Image) (int, error) {
	const probeChunk = 64
	count := 0
	for {
		syms, err := img.Syms(count + probeChunk)
		if err != nil {
			if count == 0 {
				return 0, err
			}
			return count, nil
		}
		grew := false
		for i := count; i < len(syms); i++ {
			if uint64(syms[i].Name) >= img.Dynamic.StrTabSize && img.Dynamic.StrTabSize != 0 {
				return i, nil
			}
			grew = true
		}
		count += probeChunk
		if !grew || count > 1<<20 {
			return count, nil
		}
	}
}

// Lookup searches this Object's symbol table for name, applying the
// binding/visibility/version rules of spec.md §4.3. It does not implement
// the scope/tie-break walk across Objects — that is internal/linkmap's job.
func (t *Table) Lookup(name string, want *Version) (*Symbol, bool) {
	if t.hash == nil {
		return nil, false
	}
	for _, idx := range t.hash.Candidates(name) {
		if int(idx) >= len(t.syms) {
			continue
		}
		raw := t.syms[idx]
		symName, err := t.strtab(raw.Name)
		if err != nil || symName != name {
			continue
		}
		sym := &Symbol{
			Name:       symName,
			Value:      raw.Value,
			Size:       raw.Size,
			Bind:       raw.Bind(),
			Visibility: raw.Visibility(),
			Shndx:      raw.Shndx,
			Index:      idx,
		}
		if !sym.eligible() {
			continue
		}
		if t.version != nil {
			v, err := t.version(idx)
			if err == nil {
				sym.Version = v
			}
		}
		if !versionMatches(sym, want) {
			continue
		}
		return sym, true
	}
	return nil, false
}

// ByIndex decodes the symbol at symtab index idx directly, without a hash
// lookup — what relocation processing needs, since a Rela's r_sym is
// already an index into the requesting Object's own symtab.
func (t *Table) ByIndex(idx uint32) (*Symbol, bool) {
	if int(idx) >= len(t.syms) {
		return nil, false
	}
	raw := t.syms[idx]
	name, err := t.strtab(raw.Name)
	if err != nil {
		return nil, false
	}
	sym := &Symbol{
		Name:       name,
		Value:      raw.Value,
		Size:       raw.Size,
		Bind:       raw.Bind(),
		Visibility: raw.Visibility(),
		Shndx:      raw.Shndx,
		Index:      idx,
	}
	if t.version != nil {
		if v, err := t.version(idx); err == nil {
			sym.Version = v
		}
	}
	return sym, true
}

// Nearest finds the defined symbol whose [Value, Value+Size) range
// contains addr (a zero-size symbol matches only its exact Value),
// preferring the greatest Value when several match — the search dladdr's
// "nearest symbol" contract needs. An addr outside every symbol's range
// finds nothing. Undefined symbols (Shndx == SHN_UNDEF) are never
// candidates.
func (t *Table) Nearest(addr uint64) (*Symbol, bool) {
	var best *Symbol
	for idx, raw := range t.syms {
		if raw.Shndx == elf.SHN_UNDEF {
			continue
		}
		if raw.Size > 0 {
			if addr < raw.Value || addr >= raw.Value+raw.Size {
				continue
			}
		} else if raw.Value != addr {
			continue
		}
		if best != nil && raw.Value <= best.Value {
			continue
		}
		name, err := t.strtab(raw.Name)
		if err != nil {
			continue
		}
		best = &Symbol{
			Name:       name,
			Value:      raw.Value,
			Size:       raw.Size,
			Bind:       raw.Bind(),
			Visibility: raw.Visibility(),
			Shndx:      raw.Shndx,
			Index:      uint32(idx),
		}
	}
	return best, best != nil
}

// ErrNoSymtab is returned by callers that need a Table but the Object
// carries no dynamic symbol table at all (a pure executable with nothing
// exported, for instance).
var ErrNoSymtab = elferr.New(elferr.MalformedDynamic, "symtab.Build", elferr.WithErr(errNoSymtab))

type noSymtabErr struct{}

func (noSymtabErr) Error() string { return "object has no dynamic symbol table" }

var errNoSymtab = noSymtabErr{}
