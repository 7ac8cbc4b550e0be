package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/mglock/telemetry"
	"github.com/maxpert/mglock/txn"
	"github.com/rs/zerolog/log"
)

// Lock is a granted or queued request of one transaction on one resource.
type Lock struct {
	Txn  txn.ID       `json:"txn_id" msgpack:"txn_id"`
	Name ResourceName `json:"resource" msgpack:"resource"`
	Kind Kind         `json:"kind" msgpack:"kind"`
}

// request is a queued lock request. granted is closed once the request has
// been applied to the table, or withdrawn with aborted set.
type request struct {
	txn      txn.ID
	name     ResourceName
	kind     Kind
	op       string
	releases []ResourceName
	priority bool
	granted  chan struct{}
	done     bool
	aborted  bool
	enqueued time.Time
}

type resourceEntry struct {
	holders map[txn.ID]Kind
	queue   []*request
}

// compatible checks kind against every holder other than t.
func (e *resourceEntry) compatible(t txn.ID, kind Kind) bool {
	for holder, held := range e.holders {
		if holder != t && !Compatible(held, kind) {
			return false
		}
	}
	return true
}

func (e *resourceEntry) queued(t txn.ID) bool {
	for _, r := range e.queue {
		if r.txn == t {
			return true
		}
	}
	return false
}

// enqueue appends plain requests and places priority requests ahead of
// everything except earlier priority requests.
func (e *resourceEntry) enqueue(r *request) {
	if !r.priority {
		e.queue = append(e.queue, r)
		return
	}
	pos := 0
	for pos < len(e.queue) && e.queue[pos].priority {
		pos++
	}
	e.queue = append(e.queue, nil)
	copy(e.queue[pos+1:], e.queue[pos:])
	e.queue[pos] = r
}

func (e *resourceEntry) remove(r *request) bool {
	for i, q := range e.queue {
		if q == r {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Stats is a point-in-time summary of the table.
type Stats struct {
	Resources     int    `json:"resources" msgpack:"resources"`
	Held          int    `json:"held" msgpack:"held"`
	Waiting       int    `json:"waiting" msgpack:"waiting"`
	Transactions  int    `json:"transactions" msgpack:"transactions"`
	MutatingCalls uint64 `json:"mutating_calls" msgpack:"mutating_calls"`
	Grants        uint64 `json:"grants" msgpack:"grants"`
	Waits         uint64 `json:"waits" msgpack:"waits"`
	Cancellations uint64 `json:"cancellations" msgpack:"cancellations"`
}

// ResourceState is the holders and queue of one resource.
type ResourceState struct {
	Name    ResourceName `json:"resource" msgpack:"resource"`
	Holders []Lock       `json:"holders" msgpack:"holders"`
	Waiters []Lock       `json:"waiters" msgpack:"waiters"`
}

// Manager is the lock table: the single source of truth for which
// transaction holds which lock on which resource. All state is guarded by
// one mutex because a release can ripple grants through several queues.
type Manager struct {
	mu      sync.Mutex
	entries map[ResourceName]*resourceEntry
	byTxn   map[txn.ID]map[ResourceName]Kind

	held          int
	waiting       int
	mutatingCalls uint64
	grants        uint64
	waits         uint64
	cancellations uint64

	observer Observer
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[ResourceName]*resourceEntry),
		byTxn:   make(map[txn.ID]map[ResourceName]Kind),
	}
}

// Acquire grants kind on name to t, blocking behind earlier waiters. It
// returns early with a wrapped ctx error if ctx is done before the grant.
func (m *Manager) Acquire(ctx context.Context, t txn.ID, name ResourceName, kind Kind) error {
	return m.AcquireAndRelease(ctx, t, name, kind, nil)
}

// AcquireAsync runs Acquire in the background. The future resolves with the
// error Acquire returned.
func (m *Manager) AcquireAsync(t txn.ID, name ResourceName, kind Kind) *future.Future[error] {
	p := future.NewPromise[error]()
	go func() {
		err := m.Acquire(context.Background(), t, name, kind)
		p.Set(nil, err)
	}()
	return p.Future()
}

// AcquireAndRelease acquires kind on name and releases every resource in
// releases as one atomic step. releases may contain name itself, in which
// case the old lock is replaced. No other transaction ever observes the
// releases without the grant or the grant without the releases.
func (m *Manager) AcquireAndRelease(ctx context.Context, t txn.ID, name ResourceName, kind Kind, releases []ResourceName) error {
	op := "acquire"
	if len(releases) > 0 {
		op = "acquire_and_release"
	}
	kind.index()
	if kind == NL {
		return m.reject(op, kind, errors.Wrapf(ErrInvalidRequest, "txn %d: cannot acquire NL on %s", t, name))
	}

	m.mu.Lock()
	m.mutatingCalls++

	e := m.entry(name)
	replacing := false
	for _, rel := range releases {
		if rel == name {
			replacing = true
		}
	}
	if _, ok := e.holders[t]; ok && !replacing {
		m.gc(name)
		m.mu.Unlock()
		return m.reject(op, kind, errors.Wrapf(ErrDuplicateRequest, "txn %d already holds a lock on %s", t, name))
	}
	if e.queued(t) {
		m.mu.Unlock()
		return m.reject(op, kind, errors.Wrapf(ErrDuplicateRequest, "txn %d already waiting on %s", t, name))
	}
	for _, rel := range releases {
		if _, ok := m.byTxn[t][rel]; !ok {
			m.gc(name)
			m.mu.Unlock()
			return m.reject(op, kind, errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s to release", t, rel))
		}
	}

	// Plain acquires respect FIFO order. Replacing a lock the transaction
	// already owns is already in line.
	priority := replacing
	if e.compatible(t, kind) && (priority || len(e.queue) == 0) {
		m.apply(t, name, kind, releases)
		m.mu.Unlock()
		telemetry.LockRequestsTotal.With(op, kind.String(), "granted").Inc()
		return nil
	}

	r := &request{
		txn:      t,
		name:     name,
		kind:     kind,
		op:       op,
		releases: releases,
		priority: priority,
		granted:  make(chan struct{}),
		enqueued: time.Now(),
	}
	return m.enqueueAndWait(ctx, e, r)
}

// Promote changes the kind of the lock t already holds on name to a
// stronger one. Conflicting holders make it wait ahead of plain acquires.
func (m *Manager) Promote(ctx context.Context, t txn.ID, name ResourceName, kind Kind) error {
	kind.index()
	m.mu.Lock()
	m.mutatingCalls++

	cur, ok := m.byTxn[t][name]
	if !ok {
		m.mu.Unlock()
		return m.reject("promote", kind, errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", t, name))
	}
	if cur == kind {
		m.mu.Unlock()
		return m.reject("promote", kind, errors.Wrapf(ErrDuplicateRequest, "txn %d already holds %s on %s", t, kind, name))
	}
	if !Substitutable(kind, cur) {
		m.mu.Unlock()
		return m.reject("promote", kind, errors.Wrapf(ErrInvalidRequest, "txn %d: %s is not an upgrade of %s on %s", t, kind, cur, name))
	}

	e := m.entries[name]
	if e.queued(t) {
		m.mu.Unlock()
		return m.reject("promote", kind, errors.Wrapf(ErrDuplicateRequest, "txn %d already waiting on %s", t, name))
	}
	if e.compatible(t, kind) {
		m.setHolder(t, name, kind)
		m.grants++
		m.mu.Unlock()
		telemetry.LockRequestsTotal.With("promote", kind.String(), "granted").Inc()
		return nil
	}

	r := &request{
		txn:      t,
		name:     name,
		kind:     kind,
		op:       "promote",
		priority: true,
		granted:  make(chan struct{}),
		enqueued: time.Now(),
	}
	return m.enqueueAndWait(ctx, e, r)
}

// Release drops the lock t holds on name and wakes compatible waiters.
func (m *Manager) Release(t txn.ID, name ResourceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutatingCalls++

	kind, ok := m.byTxn[t][name]
	if !ok {
		return m.reject("release", NL, errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", t, name))
	}
	m.removeHolder(t, name)
	m.processQueue(name)
	telemetry.LockRequestsTotal.With("release", kind.String(), "released").Inc()
	return nil
}

// ReleaseAll drops every lock held by t, as at commit or abort, and returns
// the released names in sorted order. Requests t still has queued are
// withdrawn in the same step; their waiters return ErrAborted.
func (m *Manager) ReleaseAll(t txn.ID) []ResourceName {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutatingCalls++

	names := make([]ResourceName, 0, len(m.byTxn[t]))
	for name := range m.byTxn[t] {
		names = append(names, name)
	}
	sortNames(names)

	for _, name := range names {
		m.removeHolder(t, name)
	}
	withdrawn := m.abortQueued(t)
	for _, name := range names {
		m.processQueue(name)
	}
	for _, name := range withdrawn {
		m.processQueue(name)
	}
	if len(names) > 0 {
		telemetry.LockRequestsTotal.With("release_all", "any", "released").Add(float64(len(names)))
	}
	return names
}

// LockType returns the kind t holds on name, NL if none.
func (m *Manager) LockType(t txn.ID, name ResourceName) Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byTxn[t][name]
}

// Locks returns every lock currently held by t, sorted by resource name.
func (m *Manager) Locks(t txn.ID) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := make([]Lock, 0, len(m.byTxn[t]))
	for name, kind := range m.byTxn[t] {
		locks = append(locks, Lock{Txn: t, Name: name, Kind: kind})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Name.key < locks[j].Name.key })
	return locks
}

// ResourceLocks returns the holders of name, ordered by transaction.
func (m *Manager) ResourceLocks(name ResourceName) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdersOf(name)
}

// Waiting returns the requests queued on name in grant order.
func (m *Manager) Waiting(name ResourceName) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitersOf(name)
}

// Snapshot copies the whole table, ordered by resource name.
func (m *Manager) Snapshot() []ResourceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]ResourceName, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sortNames(names)

	states := make([]ResourceState, 0, len(names))
	for _, name := range names {
		states = append(states, ResourceState{
			Name:    name,
			Holders: m.holdersOf(name),
			Waiters: m.waitersOf(name),
		})
	}
	return states
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Resources:     len(m.entries),
		Held:          m.held,
		Waiting:       m.waiting,
		Transactions:  len(m.byTxn),
		MutatingCalls: m.mutatingCalls,
		Grants:        m.grants,
		Waits:         m.waits,
		Cancellations: m.cancellations,
	}
}

// TableStats implements telemetry.StatsProvider.
func (m *Manager) TableStats() (resources, held, waiting int) {
	s := m.Stats()
	return s.Resources, s.Held, s.Waiting
}

func (m *Manager) holdersOf(name ResourceName) []Lock {
	e, ok := m.entries[name]
	if !ok {
		return nil
	}
	locks := make([]Lock, 0, len(e.holders))
	for t, kind := range e.holders {
		locks = append(locks, Lock{Txn: t, Name: name, Kind: kind})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Txn < locks[j].Txn })
	return locks
}

func (m *Manager) waitersOf(name ResourceName) []Lock {
	e, ok := m.entries[name]
	if !ok {
		return nil
	}
	locks := make([]Lock, 0, len(e.queue))
	for _, r := range e.queue {
		locks = append(locks, Lock{Txn: r.txn, Name: name, Kind: r.kind})
	}
	return locks
}

// enqueueAndWait is entered with m.mu held and releases it.
func (m *Manager) enqueueAndWait(ctx context.Context, e *resourceEntry, r *request) error {
	e.enqueue(r)
	m.waiting++
	m.waits++
	depth := len(e.queue)
	m.emit(EventQueued, r.txn, r.name, r.kind)
	m.mu.Unlock()

	telemetry.LockRequestsTotal.With(r.op, r.kind.String(), "queued").Inc()
	log.Debug().
		Uint64("txn_id", uint64(r.txn)).
		Str("resource", r.name.String()).
		Str("kind", r.kind.String()).
		Int("queue_depth", depth).
		Msg("Lock request queued")

	select {
	case <-r.granted:
		return m.finishWait(r)
	case <-ctx.Done():
	}

	m.mu.Lock()
	if r.done {
		// Grant or abort raced with cancellation and won.
		m.mu.Unlock()
		return m.finishWait(r)
	}
	if cur, ok := m.entries[r.name]; ok && cur.remove(r) {
		m.waiting--
		m.cancellations++
		m.emit(EventCancelled, r.txn, r.name, r.kind)
		// A cancelled head may have been the only thing blocking the next waiters.
		m.processQueue(r.name)
	}
	m.mu.Unlock()

	m.observeWait(r, "cancelled")
	log.Debug().
		Uint64("txn_id", uint64(r.txn)).
		Str("resource", r.name.String()).
		Str("kind", r.kind.String()).
		Dur("waited", time.Since(r.enqueued)).
		Msg("Lock wait cancelled")
	return errors.Wrapf(ctx.Err(), "txn %d waiting for %s on %s", r.txn, r.kind, r.name)
}

// finishWait reports the outcome of a request whose granted channel is
// closed. aborted is only written before the close.
func (m *Manager) finishWait(r *request) error {
	if r.aborted {
		m.observeWait(r, "aborted")
		return errors.Wrapf(ErrAborted, "txn %d waiting for %s on %s", r.txn, r.kind, r.name)
	}
	m.observeWait(r, "granted")
	return nil
}

// abortQueued withdraws every request t has queued and wakes its waiter.
// It returns the affected names in sorted order so their queues can be
// re-evaluated.
func (m *Manager) abortQueued(t txn.ID) []ResourceName {
	var names []ResourceName
	for name, e := range m.entries {
		var pending []*request
		for _, r := range e.queue {
			if r.txn == t {
				pending = append(pending, r)
			}
		}
		for _, r := range pending {
			e.remove(r)
			m.waiting--
			m.cancellations++
			r.aborted = true
			r.done = true
			close(r.granted)
			m.emit(EventCancelled, r.txn, r.name, r.kind)
			log.Debug().
				Uint64("txn_id", uint64(r.txn)).
				Str("resource", r.name.String()).
				Str("kind", r.kind.String()).
				Msg("Queued lock request aborted")
		}
		if len(pending) > 0 {
			names = append(names, name)
		}
	}
	sortNames(names)
	return names
}

func (m *Manager) observeWait(r *request, result string) {
	telemetry.LockWaitSeconds.With(r.op).Observe(time.Since(r.enqueued).Seconds())
	if result != "granted" {
		telemetry.LockRequestsTotal.With(r.op, r.kind.String(), result).Inc()
	}
}

func (m *Manager) reject(op string, kind Kind, err error) error {
	telemetry.LockRequestsTotal.With(op, kind.String(), "rejected").Inc()
	return err
}

// processQueue grants consecutive compatible requests from the head of the
// queue on name and stops at the first that conflicts.
func (m *Manager) processQueue(name ResourceName) {
	for {
		e, ok := m.entries[name]
		if !ok || len(e.queue) == 0 {
			break
		}
		r := e.queue[0]
		if !e.compatible(r.txn, r.kind) {
			break
		}
		e.queue = e.queue[1:]
		m.waiting--

		m.apply(r.txn, r.name, r.kind, r.releases)
		r.done = true
		close(r.granted)

		log.Debug().
			Uint64("txn_id", uint64(r.txn)).
			Str("resource", r.name.String()).
			Str("kind", r.kind.String()).
			Dur("waited", time.Since(r.enqueued)).
			Msg("Queued lock request granted")
	}
	m.gc(name)
}

// apply installs kind for t on name and performs the releases. Queues of
// released resources are re-evaluated after the grant is in place.
func (m *Manager) apply(t txn.ID, name ResourceName, kind Kind, releases []ResourceName) {
	m.setHolder(t, name, kind)
	m.grants++

	var freed []ResourceName
	for _, rel := range releases {
		if rel == name {
			continue
		}
		if _, ok := m.byTxn[t][rel]; ok {
			m.removeHolder(t, rel)
			freed = append(freed, rel)
		}
	}
	for _, rel := range freed {
		m.processQueue(rel)
	}
	if len(releases) > 0 {
		// A replaced lock may have been weakened.
		m.processQueue(name)
	}
}

func (m *Manager) entry(name ResourceName) *resourceEntry {
	e, ok := m.entries[name]
	if !ok {
		e = &resourceEntry{holders: make(map[txn.ID]Kind)}
		m.entries[name] = e
	}
	return e
}

func (m *Manager) setHolder(t txn.ID, name ResourceName, kind Kind) {
	e := m.entry(name)
	if _, ok := e.holders[t]; !ok {
		m.held++
	}
	e.holders[t] = kind
	m.emit(EventGranted, t, name, kind)

	locks, ok := m.byTxn[t]
	if !ok {
		locks = make(map[ResourceName]Kind)
		m.byTxn[t] = locks
	}
	locks[name] = kind
}

func (m *Manager) removeHolder(t txn.ID, name ResourceName) {
	if e, ok := m.entries[name]; ok {
		if kind, held := e.holders[t]; held {
			delete(e.holders, t)
			m.held--
			m.emit(EventReleased, t, name, kind)
		}
	}
	if locks, ok := m.byTxn[t]; ok {
		delete(locks, name)
		if len(locks) == 0 {
			delete(m.byTxn, t)
		}
	}
}

// gc drops an entry with no holders and no waiters.
func (m *Manager) gc(name ResourceName) {
	if e, ok := m.entries[name]; ok && len(e.holders) == 0 && len(e.queue) == 0 {
		delete(m.entries, name)
	}
}

func sortNames(names []ResourceName) {
	sort.Slice(names, func(i, j int) bool { return names[i].key < names[j].key })
}
