package ircore

import "sync"

// Registry is the set of live connections, keyed by identity. It is the only
// structure shared between connections and is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	max   int // 0 for no limit
	conns map[Identity]*Connection
}

func NewRegistry(max int) *Registry {
	return &Registry{
		max:   max,
		conns: map[Identity]*Connection{},
	}
}

// Register adds a connection. It fails with *AlreadyExistsError if a
// connection with the same identity exists, and with *CapacityError if the
// registry is full.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.id]; ok {
		return &AlreadyExistsError{Identity: conn.id}
	}
	if r.max > 0 && len(r.conns) >= r.max {
		return &CapacityError{Max: r.max}
	}
	r.conns[conn.id] = conn
	connectionsGauge.Inc()
	return nil
}

func (r *Registry) Lookup(id Identity) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Unregister removes the connection of the identity, if any.
func (r *Registry) Unregister(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		connectionsGauge.Dec()
	}
}

// ForEach calls f on a snapshot of the registered connections, so that f
// may register or unregister connections.
func (r *Registry) ForEach(f func(conn *Connection)) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		f(conn)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
