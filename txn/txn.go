package txn

import (
	"context"
	"strconv"
)

// ID identifies a transaction. IDs are unique per lock table.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// Transaction is the view of a running transaction that the lock layer needs.
type Transaction interface {
	ID() ID
	// MemoryBudget is the number of pages the transaction may buffer.
	MemoryBudget() int
}

type transaction struct {
	id     ID
	budget int
}

func (t *transaction) ID() ID            { return t.id }
func (t *transaction) MemoryBudget() int { return t.budget }

// New returns a Transaction with a fixed identity and memory budget.
func New(id ID, budget int) Transaction {
	return &transaction{id: id, budget: budget}
}

type ctxKey struct{}

// WithTransaction attaches t to ctx. Lock planning reads it back with
// FromContext.
func WithTransaction(ctx context.Context, t Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction bound to ctx, or nil.
func FromContext(ctx context.Context) Transaction {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(ctxKey{}).(Transaction)
	return t
}
