package rdebug

import "testing"

func TestBeginEndAddCallsRBrkAndAppendsEntry(t *testing.T) {
	d := &Debug{version: 1}
	var states []State
	d.RBrk = func() { states = append(states, d.StateOf()) }

	d.BeginAdd()
	d.EndAdd(LinkMapEntry{Path: "/lib/foo.so", Base: 0x1000})

	if len(states) != 2 {
		t.Fatalf("RBrk called %d times, want 2", len(states))
	}
	if states[0] != Adding {
		t.Errorf("state at BeginAdd's RBrk call = %v, want Adding", states[0])
	}
	if states[1] != Consistent {
		t.Errorf("state at EndAdd's RBrk call = %v, want Consistent", states[1])
	}
	if d.StateOf() != Consistent {
		t.Errorf("final state = %v, want Consistent", d.StateOf())
	}

	entries := d.Snapshot()
	if len(entries) != 1 || entries[0].Path != "/lib/foo.so" || entries[0].Base != 0x1000 {
		t.Errorf("entries = %+v, want one entry for /lib/foo.so at 0x1000", entries)
	}
}

func TestBeginEndDeleteRemovesEntry(t *testing.T) {
	d := &Debug{version: 1}
	d.EndAdd(LinkMapEntry{Path: "/lib/a.so"})
	d.EndAdd(LinkMapEntry{Path: "/lib/b.so"})

	var sawDeleting bool
	d.RBrk = func() {
		if d.StateOf() == Deleting {
			sawDeleting = true
		}
	}
	d.BeginDelete()
	d.EndDelete("/lib/a.so")

	if !sawDeleting {
		t.Error("RBrk never observed the Deleting state")
	}
	entries := d.Snapshot()
	if len(entries) != 1 || entries[0].Path != "/lib/b.so" {
		t.Errorf("entries after delete = %+v, want only /lib/b.so", entries)
	}
	if d.StateOf() != Consistent {
		t.Errorf("state after EndDelete = %v, want Consistent", d.StateOf())
	}
}

func TestNilRBrkIsSafe(t *testing.T) {
	d := &Debug{}
	d.BeginAdd()
	d.EndAdd(LinkMapEntry{Path: "/lib/c.so"})
	d.BeginDelete()
	d.EndDelete("/lib/c.so")
	if len(d.Snapshot()) != 0 {
		t.Error("expected empty entries after add+delete with nil RBrk")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	d := &Debug{}
	d.EndAdd(LinkMapEntry{Path: "/lib/d.so"})
	snap := d.Snapshot()
	snap[0].Path = "mutated"
	if d.Snapshot()[0].Path != "/lib/d.so" {
		t.Error("mutating a Snapshot result affected the internal entries slice")
	}
}

func TestGlobalReturnsSameInstance(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() returned different instances across calls")
	}
}
