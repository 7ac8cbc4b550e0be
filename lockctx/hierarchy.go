package lockctx

import (
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/txn"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hierarchy owns every Context materialized over one lock table. Contexts
// are structural and live as long as the Hierarchy.
type Hierarchy struct {
	manager *lock.Manager
	nodes   *xsync.MapOf[lock.ResourceName, *Context]
}

func NewHierarchy(manager *lock.Manager) *Hierarchy {
	return &Hierarchy{
		manager: manager,
		nodes:   xsync.NewMapOf[lock.ResourceName, *Context](),
	}
}

func (h *Hierarchy) Manager() *lock.Manager {
	return h.manager
}

// Root returns the top-level context called name.
func (h *Hierarchy) Root(name string) *Context {
	return h.materialize(nil, lock.NewResourceName(name))
}

// Context returns the context for name, materializing every ancestor on
// the way down.
func (h *Hierarchy) Context(name lock.ResourceName) *Context {
	var c *Context
	for _, seg := range name.Segments() {
		if c == nil {
			c = h.Root(seg)
		} else {
			c = c.ChildContext(seg)
		}
	}
	return c
}

// Lookup returns an existing context without creating it.
func (h *Hierarchy) Lookup(name lock.ResourceName) (*Context, bool) {
	return h.nodes.Load(name)
}

// Size is the number of materialized contexts.
func (h *Hierarchy) Size() int {
	return h.nodes.Size()
}

// ReleaseAll ends t's participation: every lock it holds is dropped with a
// single lock table call and its descendant counters are cleared. Requests
// t still has queued are withdrawn and fail with lock.ErrAborted, so the
// aborted transaction never picks up a lock afterwards.
func (h *Hierarchy) ReleaseAll(t txn.ID) []lock.ResourceName {
	released := h.manager.ReleaseAll(t)
	for _, name := range released {
		h.forgetDescendant(t, name)
	}
	return released
}

// materialize creates the context for name exactly once, even when several
// transactions reach it concurrently. The read-only flag is fixed here.
func (h *Hierarchy) materialize(parent *Context, name lock.ResourceName) *Context {
	c, _ := h.nodes.LoadOrCompute(name, func() *Context {
		c := &Context{
			hierarchy:     h,
			parent:        parent,
			name:          name,
			numChildLocks: xsync.NewMapOf[txn.ID, int](),
		}
		if parent != nil {
			c.readOnly = parent.readOnly || parent.childLocksDisabled.Load()
		}
		return c
	})
	return c
}

// recordDescendant counts a new explicit lock at name on every strict
// ancestor context.
func (h *Hierarchy) recordDescendant(t txn.ID, name lock.ResourceName) {
	h.adjustAncestors(t, name, 1)
}

func (h *Hierarchy) forgetDescendant(t txn.ID, name lock.ResourceName) {
	h.adjustAncestors(t, name, -1)
}

func (h *Hierarchy) adjustAncestors(t txn.ID, name lock.ResourceName, delta int) {
	for p, ok := name.Parent(); ok; p, ok = p.Parent() {
		if c, found := h.nodes.Load(p); found {
			c.adjustChildLocks(t, delta)
		}
	}
}
