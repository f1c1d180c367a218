package lifecycle

import (
	"github.com/go-vdl/vdl/internal/elferr"
	"github.com/go-vdl/vdl/internal/linkmap"
	"github.com/go-vdl/vdl/internal/rdebug"
	"github.com/go-vdl/vdl/internal/segment"
)

// Close implements dlclose(handle), per spec.md §4.7: decrements the
// refcount, and only when it reaches zero (and the Object is not Pinned
// by NODELETE) runs fini, removes it from the Map, frees TLS, and unmaps.
func (c *Controller) Close(o *linkmap.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(o)
}

func (c *Controller) closeLocked(o *linkmap.Object) error {
	if o.State() == linkmap.Unloaded {
		return elferr.New(elferr.AlreadyClosed, "lifecycle.Close", elferr.WithPath(o.Path))
	}
	if n := o.Unref(); n > 0 || o.Pinned() {
		return nil
	}

	o.SetState(linkmap.Finalizing)
	c.runFini(o)

	for _, dep := range o.Deps {
		if dep.RefCount() > 0 {
			c.closeLocked(dep)
		}
	}

	dbg := rdebug.Global()
	dbg.BeginDelete()
	c.Map.Remove(o)
	dbg.EndDelete(o.Path)

	if o.TLS != nil {
		c.TLS.Free(o.TLS)
	}
	if o.Mapping != nil {
		if err := segment.Unmap(o.Mapping); err != nil {
			return err
		}
	}
	return nil
}
