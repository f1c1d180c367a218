// Package tls implements the TLS Manager of spec.md §4.6: module id
// allocation, __tls_get_addr semantics, and per-thread dynamic TLS blocks.
//
// The per-thread DTV (dynamic thread vector) design — a growable slot list
// indexed by module id with a generation counter — is grounded on
// dlopen-rs's src/tls.rs, which the distilled spec's "tracks per-thread
// allocation state" leaves unspecified.
package tls

import (
	"sync"
	"sync/atomic"

	"github.com/go-vdl/vdl/internal/elferr"
)

// Descriptor is one TLS-bearing Object's module record, per spec.md §3.
type Descriptor struct {
	ModuleID    uint32
	Image       []byte // initial image (the PT_TLS file contents)
	Size        uintptr
	Align       uintptr
	IsStatic    bool // true only for startup-linked TLS bound into the static arena
	StaticOffset uintptr // valid only when IsStatic
}

const slotSize = 20

type dtvSlot struct {
	generation uint64
	desc       atomic.Pointer[Descriptor]
}

type slotList struct {
	next  atomic.Pointer[slotList]
	slots [slotSize]dtvSlot
}

func newSlotList() *slotList { return &slotList{} }

func (l *slotList) slotFor(idx uint32) *dtvSlot {
	cur := l
	for idx >= slotSize {
		idx -= slotSize
		next := cur.next.Load()
		if next == nil {
			next = newSlotList()
			if !cur.next.CompareAndSwap(nil, next) {
				next = cur.next.Load()
			}
		}
		cur = next
	}
	return &cur.slots[idx]
}

// Manager is the process-wide TLS allocator. Module ids start at 1; 0 is
// reserved, per spec.md §4.6.
type Manager struct {
	mu        sync.Mutex
	nextID    uint32
	freeIDs   []uint32
	slots     *slotList
	generation atomic.Uint64

	staticSize  uintptr
	staticAlign uintptr

	threads sync.Map // goroutine-scoped thread key -> *threadState
}

// NewManager constructs a Manager sized for the modules present at program
// load, per spec.md §4.6's "one static TLS arena sized at startup".
func NewManager(staticSize, staticAlign uintptr) *Manager {
	return &Manager{
		nextID:      1,
		slots:       newSlotList(),
		staticSize:  staticSize,
		staticAlign: staticAlign,
	}
}

// Allocate assigns the next module id to a newly-loaded TLS-bearing Object.
func (m *Manager) Allocate(image []byte, size, align uintptr, static bool) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint32
	if n := len(m.freeIDs); n > 0 {
		id = m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
	} else {
		if m.nextID == 0 {
			return nil, elferr.New(elferr.TlsExhausted, "tls.Allocate")
		}
		id = m.nextID
		m.nextID++
	}

	d := &Descriptor{ModuleID: id, Image: image, Size: size, Align: align, IsStatic: static}
	m.slots.slotFor(id).desc.Store(d)
	m.generation.Add(1)
	return d, nil
}

// Free invalidates a module id on Object unload, per spec.md §3's
// "TLS module ids weakly reference Objects — they are invalidated on
// unload." Per-thread blocks for the id are freed lazily when their owning
// thread exits (or eagerly below, where the platform permits).
func (m *Manager) Free(d *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots.slotFor(d.ModuleID).desc.Store(nil)
	m.freeIDs = append(m.freeIDs, d.ModuleID)
	m.generation.Add(1)

	m.threads.Range(func(_, v any) bool {
		v.(*threadState).free(d.ModuleID)
		return true
	})
}

// threadState holds one (goroutine-modeled) thread's dynamic TLS blocks.
type threadState struct {
	mu     sync.Mutex
	blocks map[uint32][]byte
}

func newThreadState() *threadState { return &threadState{blocks: map[uint32][]byte{}} }

func (t *threadState) free(modID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, modID)
}

func (t *threadState) freeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks = map[uint32][]byte{}
}

// threadKey identifies the calling thread. The core models "thread" at the
// granularity the embedder chooses to call GetAddr from (typically pinned
// via runtime.LockOSThread for real TLS semantics); callers pass an opaque
// key they control instead of relying on goroutine identity, which Go does
// not expose.
type ThreadKey interface{}

func (m *Manager) threadStateFor(key ThreadKey) *threadState {
	if v, ok := m.threads.Load(key); ok {
		return v.(*threadState)
	}
	ts := newThreadState()
	actual, _ := m.threads.LoadOrStore(key, ts)
	return actual.(*threadState)
}

// GetAddr implements __tls_get_addr((module_id, offset)) semantics: return
// the address of that byte within the current thread's block for module
// id, allocating the block on first access by duplicating the initial
// image and zero-extending to memsz, per spec.md §4.6.
func (m *Manager) GetAddr(key ThreadKey, moduleID uint32, offset uintptr) (uintptr, error) {
	desc := m.slots.slotFor(moduleID).desc.Load()
	if desc == nil {
		return 0, elferr.New(elferr.TlsExhausted, "tls.GetAddr",
			elferr.WithErr(errInvalidModule))
	}

	ts := m.threadStateFor(key)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	block, ok := ts.blocks[moduleID]
	if !ok {
		block = make([]byte, desc.Size)
		copy(block, desc.Image)
		ts.blocks[moduleID] = block
	}
	if offset > desc.Size {
		return 0, elferr.New(elferr.TlsExhausted, "tls.GetAddr",
			elferr.WithErr(errOffsetOutOfRange))
	}
	return addrOfByte(block, offset), nil
}

// FinalizeThread frees all of key's dynamic TLS blocks, per spec.md §4.6
// ("Finalization of a thread frees all its dynamic TLS blocks").
func (m *Manager) FinalizeThread(key ThreadKey) {
	if v, ok := m.threads.LoadAndDelete(key); ok {
		v.(*threadState).freeAll()
	}
}
