package lockctx

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/telemetry"
	"github.com/maxpert/mglock/txn"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Context is one node of the resource hierarchy. It validates requests
// against the multi-granularity rules before handing them to the lock
// table, and tracks per transaction how many explicit locks are held on
// strict descendants.
type Context struct {
	hierarchy *Hierarchy
	parent    *Context
	name      lock.ResourceName

	readOnly           bool
	childLocksDisabled atomic.Bool

	// txn -> explicit locks held on strict descendants
	numChildLocks *xsync.MapOf[txn.ID, int]
}

func (c *Context) Name() lock.ResourceName { return c.name }

// Parent returns nil for a root context.
func (c *Context) Parent() *Context { return c.parent }

func (c *Context) ReadOnly() bool { return c.readOnly }

// ChildContext returns the context for the direct descendant called
// segment, creating it on first use.
func (c *Context) ChildContext(segment string) *Context {
	return c.hierarchy.materialize(c, c.name.Child(segment))
}

// DisableChildLocks makes every child created from now on read-only.
// Existing children keep their mode.
func (c *Context) DisableChildLocks() {
	c.childLocksDisabled.Store(true)
}

// NumChildLocks is the number of explicit locks t holds below this node.
func (c *Context) NumChildLocks(t txn.ID) int {
	n, _ := c.numChildLocks.Load(t)
	return n
}

func (c *Context) ExplicitLockType(t txn.ID) lock.Kind {
	return c.hierarchy.manager.LockType(t, c.name)
}

// EffectiveLockType is the access t has here once locks held on ancestors
// are taken into account. Only the nearest ancestor holding anything
// counts: S and X propagate down, SIX grants S, and IS/IX grant nothing.
func (c *Context) EffectiveLockType(t txn.ID) lock.Kind {
	if k := c.ExplicitLockType(t); k != lock.NL {
		return k
	}
	for p := c.parent; p != nil; p = p.parent {
		switch k := p.ExplicitLockType(t); k {
		case lock.NL:
			continue
		case lock.S, lock.X:
			return k
		case lock.SIX:
			return lock.S
		default:
			return lock.NL
		}
	}
	return lock.NL
}

// Acquire takes an explicit kind lock on this node for t.
func (c *Context) Acquire(ctx context.Context, t txn.ID, kind lock.Kind) error {
	if c.readOnly {
		return errors.Wrapf(lock.ErrReadOnly, "acquire %s on %s", kind, c.name)
	}
	if (kind == lock.IS || kind == lock.S) && c.hasSIXAncestor(t) {
		return errors.Wrapf(lock.ErrInvalidRequest,
			"txn %d: %s on %s is redundant under a SIX ancestor", t, kind, c.name)
	}
	if c.parent != nil {
		parentKind := c.parent.ExplicitLockType(t)
		if !lock.CanBeParentLock(parentKind, kind) {
			return errors.Wrapf(lock.ErrInvalidRequest,
				"txn %d: parent %s holds %s, cannot acquire %s on %s", t, c.parent.name, parentKind, kind, c.name)
		}
	}

	if err := c.hierarchy.manager.Acquire(ctx, t, c.name, kind); err != nil {
		return err
	}
	c.hierarchy.recordDescendant(t, c.name)
	return nil
}

// Release drops t's explicit lock here. Locks below must be released first.
func (c *Context) Release(t txn.ID) error {
	if c.readOnly {
		return errors.Wrapf(lock.ErrReadOnly, "release on %s", c.name)
	}
	if c.ExplicitLockType(t) == lock.NL {
		return errors.Wrapf(lock.ErrNoLockHeld, "txn %d holds no lock on %s", t, c.name)
	}
	if n := c.NumChildLocks(t); n > 0 {
		return errors.Wrapf(lock.ErrInvalidRequest,
			"txn %d still holds %d locks below %s", t, n, c.name)
	}

	if err := c.hierarchy.manager.Release(t, c.name); err != nil {
		return err
	}
	c.hierarchy.forgetDescendant(t, c.name)
	return nil
}

// Promote upgrades t's explicit lock here to kind. Promoting to SIX also
// releases every S and IS lock t holds below this node, in the same lock
// table call.
func (c *Context) Promote(ctx context.Context, t txn.ID, kind lock.Kind) error {
	if c.readOnly {
		return errors.Wrapf(lock.ErrReadOnly, "promote to %s on %s", kind, c.name)
	}

	cur := c.ExplicitLockType(t)
	switch {
	case cur == lock.NL:
		return errors.Wrapf(lock.ErrNoLockHeld, "txn %d holds no lock on %s", t, c.name)
	case cur == kind:
		return errors.Wrapf(lock.ErrDuplicateRequest, "txn %d already holds %s on %s", t, kind, c.name)
	}

	toSIX := kind == lock.SIX && (cur == lock.IS || cur == lock.IX || cur == lock.S)
	if !toSIX && !lock.Substitutable(kind, cur) {
		return errors.Wrapf(lock.ErrInvalidRequest, "txn %d: %s is not an upgrade of %s on %s", t, kind, cur, c.name)
	}
	if toSIX && c.hasSIXAncestor(t) {
		return errors.Wrapf(lock.ErrInvalidRequest, "txn %d: SIX on %s is redundant under a SIX ancestor", t, c.name)
	}
	if c.parent != nil {
		parentKind := c.parent.ExplicitLockType(t)
		if !lock.CanBeParentLock(parentKind, kind) {
			return errors.Wrapf(lock.ErrInvalidRequest,
				"txn %d: parent %s holds %s, cannot promote %s to %s", t, c.parent.name, parentKind, c.name, kind)
		}
	}

	if !toSIX {
		return c.hierarchy.manager.Promote(ctx, t, c.name, kind)
	}

	descendants := c.descendantLocks(t, func(k lock.Kind) bool { return k == lock.S || k == lock.IS })
	releases := append([]lock.ResourceName{c.name}, descendants...)
	if err := c.hierarchy.manager.AcquireAndRelease(ctx, t, c.name, lock.SIX, releases); err != nil {
		return err
	}
	for _, name := range descendants {
		c.hierarchy.forgetDescendant(t, name)
	}
	return nil
}

// Escalate collapses every lock t holds at or below this node into one lock
// here: S if t only reads below, X otherwise. It makes at most one lock
// table call and none at all when t already holds S or X.
func (c *Context) Escalate(ctx context.Context, t txn.ID) error {
	if c.readOnly {
		return errors.Wrapf(lock.ErrReadOnly, "escalate on %s", c.name)
	}

	var target lock.Kind
	switch cur := c.EffectiveLockType(t); cur {
	case lock.NL:
		return errors.Wrapf(lock.ErrNoLockHeld, "txn %d holds no lock on %s", t, c.name)
	case lock.S, lock.X:
		return nil
	case lock.IS:
		target = lock.S
	default:
		target = lock.X
	}

	descendants := c.descendantLocks(t, nil)
	releases := append([]lock.ResourceName{c.name}, descendants...)
	if err := c.hierarchy.manager.AcquireAndRelease(ctx, t, c.name, target, releases); err != nil {
		return err
	}
	for _, name := range descendants {
		c.hierarchy.forgetDescendant(t, name)
	}

	telemetry.LockEscalationsTotal.With(target.String()).Inc()
	log.Debug().
		Uint64("txn_id", uint64(t)).
		Str("resource", c.name.String()).
		Str("kind", target.String()).
		Int("released", len(descendants)).
		Msg("Escalated lock")
	return nil
}

// descendantLocks lists t's explicit locks strictly below this node whose
// kind passes keep (all of them when keep is nil). The counter short-cuts
// the lock table scan when nothing is held below.
func (c *Context) descendantLocks(t txn.ID, keep func(lock.Kind) bool) []lock.ResourceName {
	if c.NumChildLocks(t) == 0 {
		return nil
	}
	var names []lock.ResourceName
	for _, l := range c.hierarchy.manager.Locks(t) {
		if !l.Name.IsDescendantOf(c.name) {
			continue
		}
		if keep == nil || keep(l.Kind) {
			names = append(names, l.Name)
		}
	}
	return names
}

func (c *Context) hasSIXAncestor(t txn.ID) bool {
	for p := c.parent; p != nil; p = p.parent {
		if p.ExplicitLockType(t) == lock.SIX {
			return true
		}
	}
	return false
}

func (c *Context) adjustChildLocks(t txn.ID, delta int) {
	c.numChildLocks.Compute(t, func(old int, loaded bool) (int, bool) {
		n := old + delta
		return n, n <= 0
	})
}
