package realtime

import "sync"

// Registry tracks live connections and room membership.
//
// A connection's send channel is only written under the read lock and only
// closed under the write lock, so dispatch never races a removal.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

// remove unregisters the connection, drops it from every room and closes
// its send channel. It reports false if the id was already gone.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	for room := range c.rooms {
		r.leaveLocked(room, id)
	}
	clear(c.rooms)
	close(c.send)
	return true
}

func (r *Registry) join(c *Conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[c.id] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (r *Registry) leave(c *Conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, c.id)
	delete(c.rooms, room)
}

func (r *Registry) leaveLocked(room, id string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// dispatch queues frame on every matching connection and returns how many
// accepted it. Connections whose buffer is full are returned as slow.
func (r *Registry) dispatch(p Packet, frame []byte) (sent int, slow []*Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	except := make(map[string]struct{}, len(p.Except))
	for _, id := range p.Except {
		except[id] = struct{}{}
	}

	deliver := func(c *Conn) {
		if _, skip := except[c.id]; skip {
			return
		}
		select {
		case c.send <- frame:
			sent++
		default:
			slow = append(slow, c)
		}
	}

	if len(p.Rooms) == 0 {
		for _, c := range r.conns {
			deliver(c)
		}
		return sent, slow
	}

	seen := make(map[string]struct{})
	for _, room := range p.Rooms {
		for id := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if c, ok := r.conns[id]; ok {
				deliver(c)
			}
		}
	}
	return sent, slow
}

// sendTo queues frame on a single connection.
func (r *Registry) sendTo(id string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Members returns the ids in room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
