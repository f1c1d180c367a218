// Package vdl is the public API surface of the core: a small,
// sync.RWMutex-guarded Library shape wrapping the Lifecycle Controller and
// Link Map, exposing the traditional open/get/addr/iterate/close contract
// spec.md §6 names, grounded directly on the shape of reflektor.Library.
package vdl

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-vdl/vdl/internal/lifecycle"
	"github.com/go-vdl/vdl/internal/linkmap"
)

// Flags mirror internal/linkmap's open-flags enumeration, re-exported here
// so callers never need to import an internal package.
type Flags = linkmap.OpenFlags

const (
	Lazy     = linkmap.FlagLazy
	Now      = linkmap.FlagNow
	Local    = linkmap.FlagLocal
	Global   = linkmap.FlagGlobal
	Nodelete = linkmap.FlagNodelete
	Noload   = linkmap.FlagNoload
)

// ErrClosed is returned by any Object method called after Close.
var ErrClosed = errors.New("vdl: object is closed")

// Options configures a Loader. The zero value is a usable Loader with a
// default slog.Logger, no preloads, and real (non-freestanding) file
// loads.
type Options struct {
	Logger *slog.Logger

	// Preload names objects opened, in order, as soon as the Loader is
	// constructed — the ambient LD_PRELOAD-equivalent list spec.md §6's
	// "Environment" paragraph names. Each is opened NOW|GLOBAL.
	Preload []string

	// Freestanding is stored with the Loader but not consulted by Open or
	// OpenBytes: Open always reads path from disk, and OpenBytes is the
	// pre-supplied byte buffer path (spec.md §4.2's freestanding mapper)
	// whatever this field says.
	Freestanding bool

	// SearchDirs supplements runpath/rpath token expansion when
	// resolving a DT_NEEDED name that isn't already loaded.
	SearchDirs []string
}

// Loader is the top-level entry point: one Lifecycle Controller plus the
// Options it was constructed with.
type Loader struct {
	ctl  *lifecycle.Controller
	opts Options
}

// New constructs a Loader and opens every Options.Preload entry in order.
func New(opts Options) (*Loader, error) {
	l := &Loader{
		ctl:  lifecycle.New(opts.Logger),
		opts: opts,
	}
	for _, p := range opts.Preload {
		if _, err := l.Open(p, Now|Global); err != nil {
			return nil, fmt.Errorf("vdl: preload %q: %w", p, err)
		}
	}
	return l, nil
}

// Open implements open(path, flags). When the Loader is Freestanding,
// data must be supplied via OpenBytes instead; plain Open always reads
// path from disk.
func (l *Loader) Open(path string, flags Flags) (*Object, error) {
	o, err := l.ctl.Load(lifecycle.LoadRequest{
		Path:       path,
		Flags:      flags,
		SearchDirs: l.opts.SearchDirs,
	})
	if err != nil {
		return nil, err
	}
	return &Object{obj: o, ctl: l.ctl}, nil
}

// OpenBytes implements open() for a freestanding, pre-supplied image: name
// is informational only (used for the Link Map's canonical-path dedup and
// dl_iterate_phdr's reported name), data is mapped directly with no real
// mmap/mprotect calls, per spec.md §4.2.
func (l *Loader) OpenBytes(name string, data []byte, flags Flags) (*Object, error) {
	o, err := l.ctl.Load(lifecycle.LoadRequest{
		Path:       name,
		Bytes:      data,
		Flags:      flags,
		SearchDirs: l.opts.SearchDirs,
	})
	if err != nil {
		return nil, err
	}
	return &Object{obj: o, ctl: l.ctl}, nil
}

// RunAtExit runs every registered finalizer for still-Initialized Objects,
// in reverse registration order — an embedder's shutdown path calls this
// once, since the core installs no real atexit hook itself.
func (l *Loader) RunAtExit() { l.ctl.RunAtExit() }
