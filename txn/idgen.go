package txn

import (
	"sync"
	"time"
)

// LogicalBits is the number of bits reserved for the per-millisecond counter.
// 16 bits = ~65k IDs per millisecond per node.
const LogicalBits = 16

// LogicalMask masks the logical counter.
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the node ID (64 nodes).
const NodeIDBits = 6

// NodeIDMask masks the node ID.
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the shift applied to the millisecond timestamp.
const TotalShiftBits = NodeIDBits + LogicalBits // 22 bits

// Generator hands out unique, roughly time-ordered transaction IDs.
// Format: (physical_ms << 22) | (node_id << 16) | logical
type Generator struct {
	mu      sync.Mutex
	nodeID  uint64
	lastMS  int64
	logical uint64
	now     func() time.Time
}

// NewGenerator creates a generator for the given node. Only the low
// NodeIDBits of nodeID are used.
func NewGenerator(nodeID uint64) *Generator {
	return &Generator{nodeID: nodeID & NodeIDMask, now: time.Now}
}

// Next returns the next ID. It never returns the same value twice and never
// goes backwards, even if the wall clock does.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms > g.lastMS {
		g.lastMS = ms
		g.logical = 0
	}

	// Counter exhausted for this millisecond: borrow the next one.
	if g.logical >= LogicalMask {
		g.lastMS++
		g.logical = 0
	}
	g.logical++

	return ID(uint64(g.lastMS)<<TotalShiftBits | g.nodeID<<LogicalBits | g.logical)
}

// Begin allocates an ID and wraps it in a Transaction.
func (g *Generator) Begin(budget int) Transaction {
	return New(g.Next(), budget)
}

// Time extracts the millisecond timestamp encoded in id.
func Time(id ID) time.Time {
	return time.UnixMilli(int64(uint64(id) >> TotalShiftBits))
}
