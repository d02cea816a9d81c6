package engine

import "sync"

// routingTable maps business identities to the SEND-channel connection
// currently serving them. Later binds for the same identity replace earlier
// ones, matching a reconnecting client.
type routingTable struct {
	mu     sync.RWMutex
	routes map[string]*Connection
}

func newRoutingTable() *routingTable {
	return &routingTable{routes: make(map[string]*Connection)}
}

// Register binds the connection to the identity, replacing any prior
// binding. Returns the connection that was displaced, if any.
func (t *routingTable) Register(identity string, conn *Connection) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous := t.routes[identity]
	t.routes[identity] = conn
	if previous == conn {
		return nil
	}
	return previous
}

// RouteTo returns the connection bound to the identity.
func (t *routingTable) RouteTo(identity string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.routes[identity]
	return conn, ok
}

// Evict removes the binding only if it still points at the given connection,
// so a rebind that already replaced it is left untouched.
func (t *routingTable) Evict(identity string, conn *Connection) {
	t.mu.Lock()
	if current, ok := t.routes[identity]; ok && current == conn {
		delete(t.routes, identity)
	}
	t.mu.Unlock()
}

// Bound returns every identity/connection pair currently routed. The slice
// is a snapshot; writes happen outside the lock.
func (t *routingTable) Bound() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Connection, 0, len(t.routes))
	for _, conn := range t.routes {
		conns = append(conns, conn)
	}
	return conns
}

// Identities returns the currently bound identities.
func (t *routingTable) Identities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.routes))
	for id := range t.routes {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of bound identities.
func (t *routingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
