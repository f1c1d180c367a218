package symtab

import (
	"encoding/binary"

	"github.com/go-vdl/vdl/internal/elf"
)

// VersionTable decodes DT_VERSYM/DT_VERDEF so Table.Lookup can attach a
// Version to each candidate symbol, per spec.md §4.1's
// "symbol version data (optional)".
type VersionTable struct {
	img      *elf.Image
	versym   []uint16 // one entry per dynamic symbol index
	defs     map[uint16]*Version
}

// hiddenVersionBit is VERSYM's bit 15: when set, the definition is "hidden"
// (non-default) per the GNU versioning scheme spec.md §4.3 references.
const hiddenVersionBit = 0x8000

// BuildVersionTable decodes version data for an Object that carries
// DT_VERSYM/DT_VERDEF. Returns (nil, nil) if the Object carries no version
// data at all, matching spec.md §4.3's "absent version data matches
// unversioned requests" rule (Lookup treats a nil VersionTable the same
// way).
func BuildVersionTable(img *elf.Image, nsyms int) (*VersionTable, error) {
	if img.Dynamic == nil || img.Dynamic.VersymOff == 0 {
		return nil, nil
	}
	buf := make([]byte, nsyms*2)
	if _, err := img.ReadAt(buf, int64(img.Dynamic.VersymOff)); err != nil {
		return nil, err
	}
	versym := make([]uint16, nsyms)
	for i := range versym {
		versym[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}

	defs := map[uint16]*Version{}
	if img.Dynamic.VerdefOff != 0 {
		if err := decodeVerdef(img, img.Dynamic.VerdefOff, img.Dynamic.VerdefNum, defs); err != nil {
			return nil, err
		}
	}

	return &VersionTable{img: img, versym: versym, defs: defs}, nil
}

// decodeVerdef walks the Elf64_Verdef/Elf64_Verdaux linked list starting at
// off, recording VersionIndex -> Version for each definition.
func decodeVerdef(img *elf.Image, off uint64, num uint64, out map[uint16]*Version) error {
	cur := off
	for i := uint64(0); i < num; i++ {
		hdr := make([]byte, 20)
		if _, err := img.ReadAt(hdr, int64(cur)); err != nil {
			return err
		}
		vdNdx := binary.LittleEndian.Uint16(hdr[4:6])
		vdAux := binary.LittleEndian.Uint32(hdr[12:16])
		vdNext := binary.LittleEndian.Uint32(hdr[16:20])

		auxHdr := make([]byte, 8)
		if _, err := img.ReadAt(auxHdr, int64(cur)+int64(vdAux)); err != nil {
			return err
		}
		vdaName := binary.LittleEndian.Uint32(auxHdr[0:4])
		name, err := img.String(vdaName)
		if err != nil {
			return err
		}

		// vd_ndx never carries the hidden bit (it's a small definition
		// index); hidden-ness is a per-reference property living on the
		// requesting symbol's versym entry, resolved in VersionOf.
		out[vdNdx] = &Version{Name: name}

		if vdNext == 0 {
			break
		}
		cur += uint64(vdNext)
	}
	return nil
}

// VersionOf returns the Version attached to dynamic symbol index idx, or
// nil if the symbol carries no version (spec.md: "absent version data
// matches unversioned requests").
func (vt *VersionTable) VersionOf(idx uint32) (*Version, error) {
	if vt == nil || int(idx) >= len(vt.versym) {
		return nil, nil
	}
	raw := vt.versym[idx]
	hidden := raw&hiddenVersionBit != 0
	ndx := raw &^ hiddenVersionBit
	if ndx == 0 || ndx == 1 {
		// VER_NDX_LOCAL / VER_NDX_GLOBAL: no specific version.
		return nil, nil
	}
	def, ok := vt.defs[ndx]
	if !ok {
		return nil, nil
	}
	return &Version{Name: def.Name, Hidden: hidden}, nil
}
