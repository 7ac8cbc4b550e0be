package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	db    = lock.NewResourceName("database")
	table = db.Child("T1")
	page  = table.Child("page1")
	other = db.Child("T2")
)

func event(typ lock.EventType, t txn.ID, name lock.ResourceName) lock.Event {
	return lock.Event{Type: typ, Lock: lock.Lock{Txn: t, Name: name, Kind: lock.S}}
}

func receive(t *testing.T, ch <-chan lock.Event) lock.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return lock.Event{}
	}
}

func assertNone(t *testing.T, ch <-chan lock.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BasicSubscribeObserve(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Observe(event(lock.EventGranted, 1, table))

	e := receive(t, events)
	assert.Equal(t, lock.EventGranted, e.Type)
	assert.Equal(t, table, e.Name)
}

func TestHub_FilterResourceSubtree(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(Filter{Resource: table})
	defer cancel()

	hub.Observe(event(lock.EventGranted, 1, db))
	hub.Observe(event(lock.EventGranted, 1, other))
	hub.Observe(event(lock.EventGranted, 1, table))
	hub.Observe(event(lock.EventGranted, 1, page))

	assert.Equal(t, table, receive(t, events).Name)
	assert.Equal(t, page, receive(t, events).Name)
	assertNone(t, events)
}

func TestHub_FilterTxn(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(Filter{Txn: 2})
	defer cancel()

	hub.Observe(lock.Event{Type: lock.EventGranted, Lock: lock.Lock{Txn: 1, Name: db, Kind: lock.IS}})
	hub.Observe(lock.Event{Type: lock.EventQueued, Lock: lock.Lock{Txn: 2, Name: db, Kind: lock.X}})

	e := receive(t, events)
	assert.Equal(t, lock.EventQueued, e.Type)
	assertNone(t, events)
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	events, cancel := hub.Subscribe(Filter{})
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())

	_, ok := <-events
	assert.False(t, ok, "channel should be closed")

	// Observing after unsubscribe must not panic on the closed channel.
	hub.Observe(event(lock.EventGranted, 1, db))
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(Filter{})
	defer cancel()

	for i := 0; i < defaultEventBufferSize+10; i++ {
		hub.Observe(event(lock.EventGranted, 1, db))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Subscribe(Filter{})
	b, cancelB := hub.Subscribe(Filter{Resource: table})

	hub.Close()
	cancelB()

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
}

func TestHub_ConcurrentSubscribeObserve(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, cancel := hub.Subscribe(Filter{})
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hub.Observe(event(lock.EventReleased, 1, page))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestHub_ObservesManager(t *testing.T) {
	m := lock.NewManager()
	hub := NewHub()
	m.SetObserver(hub)
	events, cancel := hub.Subscribe(Filter{Resource: table})
	defer cancel()

	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, db, lock.IX))
	require.NoError(t, m.Acquire(ctx, 1, table, lock.X))

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, 2, table, lock.S) }()

	assert.Equal(t, lock.EventGranted, receive(t, events).Type)
	queued := receive(t, events)
	assert.Equal(t, lock.EventQueued, queued.Type)
	assert.Equal(t, lock.S, queued.Kind)

	m.ReleaseAll(1)
	require.NoError(t, <-done)

	released := receive(t, events)
	assert.Equal(t, lock.EventReleased, released.Type)
	granted := receive(t, events)
	assert.Equal(t, lock.EventGranted, granted.Type)
	assert.EqualValues(t, 2, granted.Txn)
}
