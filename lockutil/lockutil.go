// Package lockutil plans the lock calls needed before reading or writing a
// resource, so callers never have to reason about intent locks themselves.
package lockutil

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/lockctx"
	"github.com/maxpert/mglock/telemetry"
	"github.com/maxpert/mglock/txn"
)

// EnsureSufficientLockHeld makes sure the transaction bound to ctx can
// access lc with at least kind (S, X or NL), acquiring intent locks on
// ancestors root first. It does nothing when ctx carries no transaction or
// lc is nil, and never acquires more than needed.
//
// ctx also bounds every wait: a deadline on ctx aborts the plan with the
// locks taken so far left in place for the caller to release.
func EnsureSufficientLockHeld(ctx context.Context, lc *lockctx.Context, kind lock.Kind) error {
	tx := txn.FromContext(ctx)
	if tx == nil || lc == nil {
		return nil
	}
	if kind != lock.S && kind != lock.X && kind != lock.NL {
		return errors.Wrapf(lock.ErrInvalidRequest, "cannot plan for %s on %s", kind, lc.Name())
	}
	if kind == lock.NL {
		return nil
	}

	t := tx.ID()
	if lock.Substitutable(lc.ExplicitLockType(t), kind) ||
		lock.Substitutable(lc.EffectiveLockType(t), kind) ||
		lock.Substitutable(inherited(lc.Parent(), t), kind) {
		telemetry.LockPlannerActionsTotal.With("noop").Inc()
		return nil
	}

	if err := ensureAncestors(ctx, t, lc.Parent(), lock.ParentLock(kind)); err != nil {
		return err
	}

	cur := lc.ExplicitLockType(t)
	if kind == lock.S {
		switch cur {
		case lock.NL:
			return acquire(ctx, lc, t, lock.S)
		case lock.IS:
			return escalate(ctx, lc, t)
		default:
			return promote(ctx, lc, t, lock.SIX)
		}
	}

	switch cur {
	case lock.NL:
		return acquire(ctx, lc, t, lock.X)
	case lock.IS:
		if err := escalate(ctx, lc, t); err != nil {
			return err
		}
		return promote(ctx, lc, t, lock.X)
	case lock.S:
		return promote(ctx, lc, t, lock.X)
	default:
		return escalate(ctx, lc, t)
	}
}

// inherited is the access t already has below lc through locks on lc or
// its ancestors, ignoring intent locks. An IX node under a SIX ancestor can
// still read.
func inherited(lc *lockctx.Context, t txn.ID) lock.Kind {
	if lc == nil {
		return lock.NL
	}
	switch k := lc.ExplicitLockType(t); k {
	case lock.S, lock.X:
		return k
	case lock.SIX:
		return lock.S
	}
	return inherited(lc.Parent(), t)
}

// ensureAncestors gives every context from the root down to lc at least
// intent (IS or IX), reading each kind only once its parent is settled.
func ensureAncestors(ctx context.Context, t txn.ID, lc *lockctx.Context, intent lock.Kind) error {
	if lc == nil {
		return nil
	}
	if err := ensureAncestors(ctx, t, lc.Parent(), intent); err != nil {
		return err
	}

	cur := lc.ExplicitLockType(t)
	if lock.Substitutable(cur, intent) {
		return nil
	}
	switch {
	case cur == lock.NL:
		return acquire(ctx, lc, t, intent)
	case intent == lock.IX && cur == lock.IS:
		return promote(ctx, lc, t, lock.IX)
	case intent == lock.IX && cur == lock.S:
		return promote(ctx, lc, t, lock.SIX)
	}
	// S or X already cover the subtree; nothing below needs an intent lock.
	return nil
}

func acquire(ctx context.Context, lc *lockctx.Context, t txn.ID, kind lock.Kind) error {
	telemetry.LockPlannerActionsTotal.With("acquire").Inc()
	return lc.Acquire(ctx, t, kind)
}

func promote(ctx context.Context, lc *lockctx.Context, t txn.ID, kind lock.Kind) error {
	telemetry.LockPlannerActionsTotal.With("promote").Inc()
	return lc.Promote(ctx, t, kind)
}

func escalate(ctx context.Context, lc *lockctx.Context, t txn.ID) error {
	telemetry.LockPlannerActionsTotal.With("escalate").Inc()
	return lc.Escalate(ctx, t)
}
