package lock

import "github.com/maxpert/mglock/txn"

type EventType string

const (
	EventGranted   EventType = "granted"
	EventQueued    EventType = "queued"
	EventReleased  EventType = "released"
	EventCancelled EventType = "cancelled"
)

// Event is one change to the lock table. A promotion or replacement shows
// up as a grant carrying the new kind.
type Event struct {
	Type EventType `json:"type" msgpack:"type"`
	Lock
}

// Observer receives table changes in the order they are applied. Observe
// runs with the table locked: it must not block or call back into the
// Manager.
type Observer interface {
	Observe(Event)
}

// SetObserver installs o, replacing any previous observer. nil disables
// events.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

func (m *Manager) emit(typ EventType, t txn.ID, name ResourceName, kind Kind) {
	if m.observer == nil {
		return
	}
	m.observer.Observe(Event{Type: typ, Lock: Lock{Txn: t, Name: name, Kind: kind}})
}
