// Package symtab implements the hashed symbol-table lookup of spec.md §4.3:
// GNU-hash when present (with its Bloom pre-filter), else SysV hash, with
// the binding/visibility/version eligibility rules layered on top.
package symtab

import (
	"encoding/binary"

	"github.com/go-vdl/vdl/internal/elf"
)

// HashTable is the capability an Object's symbol table exposes, selected at
// parse time per spec.md §9's "dynamic dispatch" note (variants: SysV,
// GNU).
type HashTable interface {
	// Candidates returns symbol-table indices that might match name; the
	// caller still must verify the name against the string table, since
	// hash collisions are expected.
	Candidates(name string) []uint32
}

// sysvHash is the classic ELF SysV hash function (DT_HASH).
func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

// SysVHash wraps a DT_HASH table (nbucket, nchain, bucket[], chain[]).
type SysVHash struct {
	buckets []uint32
	chains  []uint32
}

// ParseSysVHash decodes a DT_HASH section starting at off.
func ParseSysVHash(img *elf.Image, off uint64) (*SysVHash, int, error) {
	hdr := make([]byte, 8)
	if _, err := img.ReadAt(hdr, int64(off)); err != nil {
		return nil, 0, err
	}
	nbucket := binary.LittleEndian.Uint32(hdr[0:4])
	nchain := binary.LittleEndian.Uint32(hdr[4:8])

	buf := make([]byte, int(nbucket+nchain)*4)
	if _, err := img.ReadAt(buf, int64(off)+8); err != nil {
		return nil, 0, err
	}
	h := &SysVHash{
		buckets: decodeU32s(buf[:nbucket*4]),
		chains:  decodeU32s(buf[nbucket*4:]),
	}
	return h, int(nchain), nil
}

func (h *SysVHash) Candidates(name string) []uint32 {
	if len(h.buckets) == 0 {
		return nil
	}
	idx := h.buckets[sysvHash(name)%uint32(len(h.buckets))]
	var out []uint32
	for idx != 0 {
		out = append(out, idx)
		idx = h.chains[idx]
	}
	return out
}

func decodeU32s(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return out
}

// gnuHash is the hash function used by DT_GNU_HASH (a variant of djb2).
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// GNUHash wraps a DT_GNU_HASH table: nbucket, symoffset, bloom filter words,
// bucket[], and the chain array that follows bucket[] in the same section,
// holding one hash value per symbol from symoffset on (the canonical glibc
// layout).
type GNUHash struct {
	symOffset  uint32
	bloomShift uint32
	bloom      []uint64
	buckets    []uint32
	chain      []uint32 // hash values for symtab[symOffset:], aligned 1:1
}

// ParseGNUHash decodes a DT_GNU_HASH section. nsyms is the total dynamic
// symbol count (needed because DT_GNU_HASH, unlike DT_HASH, does not store
// it directly — the chain array runs from symOffset to nsyms-1).
func ParseGNUHash(img *elf.Image, off uint64, nsyms int) (*GNUHash, error) {
	hdr := make([]byte, 16)
	if _, err := img.ReadAt(hdr, int64(off)); err != nil {
		return nil, err
	}
	nbucket := binary.LittleEndian.Uint32(hdr[0:4])
	symOffset := binary.LittleEndian.Uint32(hdr[4:8])
	bloomSize := binary.LittleEndian.Uint32(hdr[8:12])
	bloomShift := binary.LittleEndian.Uint32(hdr[12:16])

	bloomBuf := make([]byte, int(bloomSize)*8)
	if _, err := img.ReadAt(bloomBuf, int64(off)+16); err != nil {
		return nil, err
	}
	bloom := make([]uint64, bloomSize)
	for i := range bloom {
		bloom[i] = binary.LittleEndian.Uint64(bloomBuf[i*8 : i*8+8])
	}

	bucketBuf := make([]byte, int(nbucket)*4)
	bucketOff := int64(off) + 16 + int64(bloomSize)*8
	if _, err := img.ReadAt(bucketBuf, bucketOff); err != nil {
		return nil, err
	}
	buckets := decodeU32s(bucketBuf)

	chainCount := 0
	if nsyms > int(symOffset) {
		chainCount = nsyms - int(symOffset)
	}
	chainBuf := make([]byte, chainCount*4)
	if chainCount > 0 {
		if _, err := img.ReadAt(chainBuf, bucketOff+int64(nbucket)*4); err != nil {
			return nil, err
		}
	}

	return &GNUHash{
		symOffset:  symOffset,
		bloomShift: bloomShift,
		bloom:      bloom,
		buckets:    buckets,
		chain:      decodeU32s(chainBuf),
	}, nil
}

func (h *GNUHash) bloomWord(hash uint32) uint64 {
	if len(h.bloom) == 0 {
		return 0
	}
	c := uint32(64) // sizeof(uintptr)*8 on 64-bit targets
	return h.bloom[(hash/c)%uint32(len(h.bloom))]
}

func (h *GNUHash) Candidates(name string) []uint32 {
	if len(h.buckets) == 0 {
		return nil
	}
	hash := gnuHash(name)
	c := uint32(64)
	word := h.bloomWord(hash)
	mask := (uint64(1) << (hash % c)) | (uint64(1) << ((hash >> h.bloomShift) % c))
	if word&mask != mask {
		// Bloom filter says "definitely absent".
		return nil
	}

	idx := h.buckets[hash%uint32(len(h.buckets))]
	if idx == 0 {
		return nil
	}
	var out []uint32
	for i := idx; int(i-h.symOffset) < len(h.chain); i++ {
		chainHash := h.chain[i-h.symOffset]
		out = append(out, i)
		if chainHash&1 != 0 {
			// Low bit set marks the last entry in the chain.
			break
		}
	}
	return out
}
