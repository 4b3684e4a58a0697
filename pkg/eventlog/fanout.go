package eventlog

import "sync"

// Listener receives broadcast events, typically one per attached socket.
type Listener interface {
	ID() string
	Send(Event) error
}

// Fanout is the set of listeners attached to one conversation.
type Fanout struct {
	mu        sync.Mutex
	listeners map[string]Listener
	order     []string
}

func NewFanout() *Fanout {
	return &Fanout{listeners: make(map[string]Listener)}
}

// Attach adds l, replacing any listener with the same id.
func (f *Fanout) Attach(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[l.ID()]; !ok {
		f.order = append(f.order, l.ID())
	}
	f.listeners[l.ID()] = l
}

// Detach removes the listener with the given id.
func (f *Fanout) Detach(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeLocked(id)
}

func (f *Fanout) removeLocked(id string) bool {
	if _, ok := f.listeners[id]; !ok {
		return false
	}
	delete(f.listeners, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of attached listeners.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Broadcast sends ev to every listener in attach order. A listener whose
// send fails is removed; the ids of removed listeners are returned.
func (f *Fanout) Broadcast(ev Event) []string {
	f.mu.Lock()
	targets := make([]Listener, 0, len(f.order))
	for _, id := range f.order {
		targets = append(targets, f.listeners[id])
	}
	f.mu.Unlock()

	var dropped []string
	for _, l := range targets {
		if err := l.Send(ev); err != nil {
			dropped = append(dropped, l.ID())
		}
	}
	if len(dropped) > 0 {
		f.mu.Lock()
		for _, id := range dropped {
			f.removeLocked(id)
		}
		f.mu.Unlock()
	}
	return dropped
}
