package txsync

import "sync"

// Monitor tracks network reachability with edge-triggered notification:
// subscribers hear only actual transitions, never repeated reports of the
// same state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextId int
}

// NewMonitor starts in the given reachability state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records an observed reachability state. Subscribers are notified
// only when the state actually changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var subs = make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers |fn| for edge notifications and returns its
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id = m.nextId
	m.nextId++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
