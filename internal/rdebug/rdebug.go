// Package rdebug maintains the standard r_debug structure spec.md §6's
// "Debugger protocol" names: a process-wide record a debugger attached via
// the traditional breakpoint-on-r_brk convention can read to enumerate
// loaded objects. The real C-ABI projection of this structure (so that an
// actual ptrace-attached debugger can find it by symbol) is the "glue"
// spec.md §1 marks out of scope for the core; this package keeps the
// structure's data faithfully up to date and calls RBrk around every
// mutation, leaving the decision of how (or whether) to expose it via cgo
// to an embedder.
package rdebug

import "sync"

// State mirrors the three states struct r_debug's r_state field takes on a
// real glibc/musl system.
type State int32

const (
	Consistent State = 0
	Adding     State = 1
	Deleting   State = 2
)

// LinkMapEntry is one r_debug-visible Object, independent of
// internal/linkmap.Object so this package has no import-cycle-forming
// dependency on the core's own state.
type LinkMapEntry struct {
	Path    string
	Base    uintptr
	Dynamic uintptr // load address of PT_DYNAMIC, 0 if none
}

// Debug is the process-wide r_debug-shaped record, per spec.md §9's
// "global mutable state... the r_debug structure... encapsulated behind a
// single guarded accessor and initialized lazily on first use."
type Debug struct {
	mu      sync.Mutex
	version int32
	state   State
	entries []LinkMapEntry

	// RBrk is invoked by every Begin*/End* call, so once before and once
	// after each Link Map mutation — the hook spec.md §6 calls r_brk. The
	// Link Map's own lock is not held while it runs. Callers that never
	// attach a debugger leave it nil.
	RBrk func()
}

var global = &Debug{version: 1}

// Global returns the process-wide Debug record.
func Global() *Debug { return global }

func (d *Debug) callBrk() {
	if d.RBrk != nil {
		d.RBrk()
	}
}

// BeginAdd marks the structure Adding and calls RBrk, per the standard
// protocol: a debugger single-steps past the r_brk breakpoint, then reads
// r_state to know whether the link map is mid-mutation.
func (d *Debug) BeginAdd() {
	d.mu.Lock()
	d.state = Adding
	d.mu.Unlock()
	d.callBrk()
}

// EndAdd appends entry, marks the structure Consistent, and calls RBrk.
func (d *Debug) EndAdd(entry LinkMapEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	d.state = Consistent
	d.mu.Unlock()
	d.callBrk()
}

// BeginDelete marks the structure Deleting and calls RBrk.
func (d *Debug) BeginDelete() {
	d.mu.Lock()
	d.state = Deleting
	d.mu.Unlock()
	d.callBrk()
}

// EndDelete removes the entry for path, marks Consistent, and calls RBrk.
func (d *Debug) EndDelete(path string) {
	d.mu.Lock()
	for i, e := range d.entries {
		if e.Path == path {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	d.state = Consistent
	d.mu.Unlock()
	d.callBrk()
}

// Snapshot returns a copy of the current entries, for a caller building
// its own dl_iterate_phdr-equivalent without racing concurrent mutation.
func (d *Debug) Snapshot() []LinkMapEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LinkMapEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// StateOf reports the current r_state value.
func (d *Debug) StateOf() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
