package linkmap

import (
	"sync"
	"sync/atomic"

	"github.com/go-vdl/vdl/internal/elferr"
)

// Map is the Link Map of spec.md §4.4 (one per lifecycle.Controller): the
// byPath/bySoname indices and the load order, guarded by a single
// readers-writer lock. Publish and Remove take it for writing; ByPath,
// BySoname and Iterate's snapshot take it for reading. TLS module ids are
// allocated under the tls.Manager's own mutex, not this lock.
type Map struct {
	mu sync.RWMutex

	byPath   map[string]*Object
	bySoname map[string]*Object

	// ordered preserves load order for dl_iterate_phdr (spec.md §4.4
	// "Ordering guarantees").
	ordered []*Object

	nextLoadOrder atomic.Uint64
}

func New() *Map {
	return &Map{
		byPath:   make(map[string]*Object),
		bySoname: make(map[string]*Object),
	}
}

// Publish makes o visible to readers. The caller must have already fully
// mapped and relocated o — Publish is the only step that runs under the
// write lock, per spec.md §4.4's "parsing, mapping, and relocation do not
// hold it."
func (m *Map) Publish(o *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.loadOrder = m.nextLoadOrder.Add(1)
	m.byPath[o.Path] = o
	if o.Soname != "" {
		m.bySoname[o.Soname] = o
	}
	m.ordered = append(m.ordered, o)
}

// Remove unpublishes o and marks it Unloaded. It does not unmap or
// finalize anything; that is the Lifecycle Controller's job: it runs
// finalizers before Remove and unmaps after it, so a reader that finds an
// Object under the byPath/bySoname indices never finds one whose memory
// has already been released.
func (m *Map) Remove(o *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byPath[o.Path] == o {
		delete(m.byPath, o.Path)
	}
	if o.Soname != "" && m.bySoname[o.Soname] == o {
		delete(m.bySoname, o.Soname)
	}
	for i, cur := range m.ordered {
		if cur == o {
			m.ordered = append(m.ordered[:i], m.ordered[i+1:]...)
			break
		}
	}
	o.SetState(Unloaded)
}

func (m *Map) ByPath(path string) (*Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byPath[path]
	return o, ok
}

func (m *Map) BySoname(soname string) (*Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.bySoname[soname]
	return o, ok
}

// Iterate calls fn for every loaded Object in load order, implementing
// dl_iterate_phdr's contract (spec.md §4.8). Iteration stops early if fn
// returns false. Only the snapshot of the load order is taken under the
// read lock; fn runs with the lock released, so it may call back into Map,
// and Objects published or removed meanwhile are not reflected.
func (m *Map) Iterate(fn func(*Object) bool) {
	m.mu.RLock()
	snapshot := make([]*Object, len(m.ordered))
	copy(snapshot, m.ordered)
	m.mu.RUnlock()
	for _, o := range snapshot {
		if !fn(o) {
			return
		}
	}
}

// ErrNotFound is returned by lookups with no matching Object.
var ErrNotFound = elferr.Sentinel(elferr.DependencyNotFound)
