package lock

import "github.com/cockroachdb/errors"

// Fault sentinels. Every error returned by this package and by lockctx wraps
// exactly one of them; test with errors.Is.
var (
	// ErrDuplicateRequest: acquire of an already held resource, or promote to
	// the kind already held.
	ErrDuplicateRequest = errors.New("duplicate lock request")
	// ErrNoLockHeld: release, promote or escalate without an explicit lock.
	ErrNoLockHeld = errors.New("no lock held")
	// ErrInvalidRequest: the request would break the hierarchy invariant.
	ErrInvalidRequest = errors.New("invalid lock request")
	// ErrReadOnly: mutating call on a read-only context.
	ErrReadOnly = errors.New("operation unsupported on read-only context")
	// ErrAborted: the transaction ended (ReleaseAll) while the request was
	// still queued. Nothing was granted.
	ErrAborted = errors.New("transaction aborted while waiting")
)
