package lifecycle

import (
	"os"

	"github.com/go-vdl/vdl/internal/elf"
	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/linkmap"
	"github.com/go-vdl/vdl/internal/reloc"
	"github.com/go-vdl/vdl/internal/segment"
	"github.com/go-vdl/vdl/internal/symtab"
)

// loadOne parses and maps path (or data, for a freestanding load), then
// loads every DT_NEEDED dependency by recursing into itself depth-first:
// a dependency's own DT_NEEDED entries are loaded before its next sibling,
// so the overall load order is not breadth-first. Every Object it
// successfully mapped — including path's own — is appended onto *loaded
// before the dependencies it pulls in (dependents first); rollback walks
// the list in reverse.
func (c *Controller) loadOne(path string, data []byte, flags linkmap.OpenFlags, searchDirs []string, loaded *[]*linkmap.Object) (*linkmap.Object, error) {
	if o, ok := c.Map.ByPath(path); ok {
		o.Ref()
		return o, nil
	}
	if v, ok := c.inProgress.Load(path); ok {
		// A DT_NEEDED cycle back onto an Object this same Load call is
		// still constructing: return the in-flight Object rather than
		// recursing into parseAndMap again.
		return v.(*linkmap.Object), nil
	}

	img, mapping, err := parseAndMap(path, data)
	if err != nil {
		return nil, err
	}

	o := &linkmap.Object{
		Path:    path,
		Image:   img,
		Mapping: mapping,
		Flags:   flags,
	}
	if img.Dynamic != nil && img.Dynamic.SonameOff >= 0 {
		if s, err := img.String(uint32(img.Dynamic.SonameOff)); err == nil {
			o.Soname = s
		}
	}

	versionOf, err := buildVersionLookup(img)
	if err != nil {
		return nil, err
	}
	table, err := symtab.Build(img, versionOf)
	if err != nil {
		return nil, err
	}
	o.Symbols = table

	o.RelocTable = reloc.HostTable

	if tlsPh := findTLSPhdr(img.Phdrs); tlsPh != nil {
		tlsImage := make([]byte, tlsPh.FileSize)
		if tlsPh.FileSize > 0 {
			if _, err := img.ReadAt(tlsImage, int64(tlsPh.Offset)); err != nil {
				return nil, elferr.New(elferr.Truncated, "lifecycle.loadOne", elferr.WithPath(path), elferr.WithErr(err))
			}
		}
		desc, err := c.TLS.Allocate(tlsImage, uintptr(tlsPh.MemSize), uintptr(tlsPh.Align), false)
		if err != nil {
			return nil, err
		}
		o.TLS = desc
	}

	o.SetState(linkmap.Mapped)
	*loaded = append(*loaded, o)
	c.inProgress.Store(path, o)

	if img.Dynamic == nil {
		return o, nil
	}
	for _, nameOff := range img.Dynamic.Needed {
		name, err := img.String(nameOff)
		if err != nil {
			return nil, err
		}
		dep, ok := c.Map.ByPath(name)
		if !ok {
			dirs := linkmap.SearchPaths(runpathOf(img), rpathOf(img), path, searchDirs)
			depPath, found := linkmap.FindDependency(name, dirs)
			if !found {
				depPath = name // let the OS-level path resolution attempt fail loudly
			}
			var depErr error
			dep, depErr = c.loadOne(depPath, nil, flags&^linkmap.FlagNoload, searchDirs, loaded)
			if depErr != nil {
				return nil, elferr.New(elferr.DependencyNotFound, "lifecycle.loadOne",
					elferr.WithPath(name), elferr.WithErr(depErr))
			}
		}
		o.Deps = append(o.Deps, dep)
	}
	return o, nil
}

func findTLSPhdr(phdrs []elf.Phdr) *elf.Phdr {
	for i := range phdrs {
		if phdrs[i].Type == elf.PT_TLS {
			return &phdrs[i]
		}
	}
	return nil
}

func runpathOf(img *elf.Image) string {
	if img.Dynamic == nil || img.Dynamic.RunpathOff < 0 {
		return ""
	}
	s, _ := img.String(uint32(img.Dynamic.RunpathOff))
	return s
}

func rpathOf(img *elf.Image) string {
	if img.Dynamic == nil || img.Dynamic.RpathOff < 0 {
		return ""
	}
	s, _ := img.String(uint32(img.Dynamic.RpathOff))
	return s
}

func buildVersionLookup(img *elf.Image) (func(uint32) (*symtab.Version, error), error) {
	if img.Dynamic == nil || img.Dynamic.VersymOff == 0 {
		return nil, nil
	}
	nsyms, err := symtab.EstimateSymCount(img)
	if err != nil {
		return nil, err
	}
	vt, err := symtab.BuildVersionTable(img, nsyms)
	if err != nil {
		return nil, err
	}
	return vt.VersionOf, nil
}

// parseAndMap runs the Parser and Segment Mapper in sequence: parse the
// ELF headers, reserve a VA range sized to the PT_LOAD span, map every
// PT_LOAD segment with correct permissions, and apply PT_GNU_RELRO.
func parseAndMap(path string, data []byte) (*elf.Image, *segment.Mapping, error) {
	if data != nil {
		if err := elf.SniffMachine(data); err != nil {
			return nil, nil, err
		}
		img, err := elf.ParseBytes(data)
		if err != nil {
			return nil, nil, err
		}
		minVaddr, maxVaddr := segment.Span(img.Phdrs)
		m, err := segment.Reserve(maxVaddr-minVaddr, true, data)
		if err != nil {
			return nil, nil, err
		}
		for _, ph := range img.Phdrs {
			if ph.Type != elf.PT_LOAD {
				continue
			}
			if err := segment.MapLoad(m, minVaddr, ph, nil); err != nil {
				return nil, nil, err
			}
		}
		return img, m, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, elferr.New(elferr.InvalidImage, "lifecycle.parseAndMap",
			elferr.WithPath(path), elferr.WithErr(err))
	}
	defer f.Close()

	if err := elf.SniffMachineReaderAt(f); err != nil {
		return nil, nil, err
	}

	st, err := f.Stat()
	if err != nil {
		return nil, nil, elferr.New(elferr.InvalidImage, "lifecycle.parseAndMap", elferr.WithPath(path), elferr.WithErr(err))
	}
	img, err := elf.Parse(f, st.Size())
	if err != nil {
		return nil, nil, err
	}

	sorted := segment.SortLoads(img.Phdrs)
	minVaddr, maxVaddr := segment.Span(sorted)
	m, err := segment.Reserve(maxVaddr-minVaddr, false, nil)
	if err != nil {
		return nil, nil, err
	}
	for _, ph := range sorted {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := segment.MapLoad(m, minVaddr, ph, f); err != nil {
			return nil, nil, err
		}
	}
	for _, ph := range img.Phdrs {
		if ph.Type == elf.PT_GNU_RELRO {
			if err := segment.ApplyRelro(m, minVaddr, ph); err != nil {
				return nil, nil, err
			}
		}
	}
	return img, m, nil
}
