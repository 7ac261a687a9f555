package server

import (
	"log"
	"sync"

	"github.com/npezzotti/pawchat/internal/stats"
	"github.com/npezzotti/pawchat/internal/types"
)

// Registry tracks which connections are subscribed to which rooms. The
// registry lock only guards the room map; each room's member set has its
// own lock so fan-out in one room never waits on another.
type Registry struct {
	log   *log.Logger
	stats stats.StatsProvider

	mu    sync.RWMutex
	rooms map[string]*roomMembers
}

type roomMembers struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[types.Participant]int
	removed bool
}

func NewRegistry(l *log.Logger, s stats.StatsProvider) *Registry {
	return &Registry{
		log:   l,
		stats: s,
		rooms: make(map[string]*roomMembers),
	}
}

// Join subscribes c to roomId. It reports whether c is the user's first
// connection in the room.
func (r *Registry) Join(roomId string, c *Client) bool {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomId]
		if !ok {
			rm = &roomMembers{
				clients: make(map[*Client]struct{}),
				users:   make(map[types.Participant]int),
			}
			r.rooms[roomId] = rm
			r.stats.Incr(stats.ActiveRooms)
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.removed {
			// lost a race with the last leave, try again with a fresh room
			rm.mu.Unlock()
			continue
		}

		if _, ok := rm.clients[c]; ok {
			rm.mu.Unlock()
			return false
		}

		rm.clients[c] = struct{}{}
		user := c.Participant()
		rm.users[user]++
		first := rm.users[user] == 1
		rm.mu.Unlock()

		c.addRoom(roomId)
		return first
	}
}

// Leave unsubscribes c from roomId. It reports whether c was the user's
// last connection in the room.
func (r *Registry) Leave(roomId string, c *Client) bool {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	if _, ok := rm.clients[c]; !ok {
		rm.mu.Unlock()
		return false
	}

	delete(rm.clients, c)
	user := c.Participant()
	rm.users[user]--
	last := rm.users[user] == 0
	if last {
		delete(rm.users, user)
	}
	empty := len(rm.clients) == 0
	if empty {
		rm.removed = true
	}
	rm.mu.Unlock()

	c.delRoom(roomId)

	if empty {
		r.mu.Lock()
		if r.rooms[roomId] == rm {
			delete(r.rooms, roomId)
			r.stats.Decr(stats.ActiveRooms)
		}
		r.mu.Unlock()
	}

	return last
}

// LeaveAll removes c from every room it joined and returns the rooms in
// which its user is now offline.
func (r *Registry) LeaveAll(c *Client) []string {
	var offline []string
	for _, roomId := range c.joinedRooms() {
		if r.Leave(roomId, c) {
			offline = append(offline, roomId)
		}
	}
	return offline
}

// Broadcast queues msg for every subscriber of roomId except the ones
// msg skips. It never blocks: a full queue drops the frame.
func (r *Registry) Broadcast(roomId string, msg *ServerMessage) {
	for _, c := range r.clients(roomId) {
		if c == msg.SkipClient {
			continue
		}
		if msg.SkipUser != nil && c.Participant() == *msg.SkipUser {
			continue
		}

		if !c.queueMessage(msg) {
			r.log.Printf("broadcast: dropped frame for %s in room %q", c.Participant(), roomId)
			r.stats.Incr(stats.BroadcastsDropped)
		}
	}
}

// ClientsOf returns the connections user holds in roomId.
func (r *Registry) ClientsOf(roomId string, user types.Participant) []*Client {
	var out []*Client
	for _, c := range r.clients(roomId) {
		if c.Participant() == user {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) clients(roomId string) []*Client {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]*Client, 0, len(rm.clients))
	for c := range rm.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(roomId string, user types.Participant) bool {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.users[user] > 0
}

// Members lists the users with at least one connection in roomId.
func (r *Registry) Members(roomId string) []types.Participant {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]types.Participant, 0, len(rm.users))
	for u := range rm.users {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
