package chat

import (
	"sync"
)

// room is one member set. All mutation happens under mu; a room removed from
// the registry is marked dead so late lockers retry against a fresh entry.
type room struct {
	id      string
	mu      sync.Mutex
	members map[*Client]struct{}
	dead    bool
}

func (r *room) size() int {
	return len(r.members)
}

// broadcast enqueues frame to every member except skip (may be nil).
func (r *room) broadcast(frame []byte, skip *Client) {
	for c := range r.members {
		if c == skip {
			continue
		}
		c.Enqueue(frame)
	}
}

// registry maps room ids to rooms. Rooms appear on first join and disappear
// when their last member leaves. The registry lock only guards the map;
// members are guarded per room.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newRegistry() *registry {
	return &registry{rooms: map[string]*room{}}
}

// lock returns the room locked. When create is false and the room does not
// exist it returns nil.
func (g *registry) lock(id string, create bool) *room {
	for {
		g.mu.Lock()
		r, ok := g.rooms[id]
		if !ok {
			if !create {
				g.mu.Unlock()
				return nil
			}
			r = &room{id: id, members: map[*Client]struct{}{}}
			g.rooms[id] = r
		}
		g.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

// join adds c to the room and calls fn with the room still locked.
// added is false when c was already a member.
func (g *registry) join(c *Client, id string, fn func(r *room, added bool)) {
	r := g.lock(id, true)
	defer r.mu.Unlock()
	_, member := r.members[c]
	if !member {
		r.members[c] = struct{}{}
	}
	if fn != nil {
		fn(r, !member)
	}
}

// leave removes c and calls fn with the room still locked and c already gone.
// An emptied room is dropped from the registry.
func (g *registry) leave(c *Client, id string, fn func(r *room)) {
	r := g.lock(id, false)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	if _, ok := r.members[c]; !ok {
		return
	}
	delete(r.members, c)
	if fn != nil {
		fn(r)
	}
	if r.size() == 0 {
		g.mu.Lock()
		if g.rooms[id] == r {
			delete(g.rooms, id)
		}
		g.mu.Unlock()
		r.dead = true
	}
}

// with calls fn with the room locked, or with nil when nobody is in it.
func (g *registry) with(id string, fn func(r *room)) {
	r := g.lock(id, false)
	if r == nil {
		fn(nil)
		return
	}
	defer r.mu.Unlock()
	fn(r)
}

// count is a snapshot of the room size; zero for rooms that do not exist.
func (g *registry) count(id string) int {
	r := g.lock(id, false)
	if r == nil {
		return 0
	}
	defer r.mu.Unlock()
	return r.size()
}

// len returns the number of live rooms.
func (g *registry) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// ids returns a snapshot of the live room ids.
func (g *registry) ids() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		out = append(out, id)
	}
	return out
}
