package chat

import (
	"sync"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
)

// DefaultTypingTimeout is comfortably above the ~800ms debounce clients
// use between keystroke signals.
const DefaultTypingTimeout = 2 * time.Second

type TypingEvent struct {
	RoomId string            `json:"room_id"`
	User   types.Participant `json:"user"`
	Typing bool              `json:"typing"`
}

// TypingTracker holds ephemeral typing state. An indicator left without a
// refresh expires on its own after the timeout.
type TypingTracker struct {
	timeout time.Duration

	mu     sync.Mutex
	rooms  map[string]*typingRoom
	notify func(TypingEvent)
	closed bool
}

type typingRoom struct {
	mu      sync.Mutex
	entries map[types.Participant]*typingEntry
	removed bool
}

type typingEntry struct {
	expires time.Time
	timer   *time.Timer
	gen     uint64
}

func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}

	return &TypingTracker{
		timeout: timeout,
		rooms:   make(map[string]*typingRoom),
	}
}

// OnChange registers the callback fired whenever an indicator turns on or
// off, including on expiry. It runs outside of any tracker lock.
func (t *TypingTracker) OnChange(fn func(TypingEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = fn
}

func (t *TypingTracker) Timeout() time.Duration {
	return t.timeout
}

// lockRoom returns the room for roomId, locked. Rooms removed concurrently
// are retried so callers never write into a detached map.
func (t *TypingTracker) lockRoom(roomId string, create bool) *typingRoom {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil
		}
		r, ok := t.rooms[roomId]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			r = &typingRoom{entries: make(map[types.Participant]*typingEntry)}
			t.rooms[roomId] = r
		}
		t.mu.Unlock()

		r.mu.Lock()
		if !r.removed {
			return r
		}
		r.mu.Unlock()
	}
}

func (t *TypingTracker) release(roomId string, r *typingRoom) {
	empty := len(r.entries) == 0
	r.mu.Unlock()
	if !empty {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 && !r.removed && t.rooms[roomId] == r {
		r.removed = true
		delete(t.rooms, roomId)
	}
}

// Set records p as typing or not in roomId.
func (t *TypingTracker) Set(roomId string, p types.Participant, typing bool) {
	r := t.lockRoom(roomId, typing)
	if r == nil {
		return
	}

	changed := false
	e, ok := r.entries[p]
	switch {
	case typing && ok:
		e.timer.Stop()
		e.gen++
		e.expires = time.Now().Add(t.timeout)
		e.timer = t.expiry(roomId, p, e.gen)
	case typing:
		e = &typingEntry{expires: time.Now().Add(t.timeout)}
		e.timer = t.expiry(roomId, p, e.gen)
		r.entries[p] = e
		changed = true
	case ok:
		e.timer.Stop()
		delete(r.entries, p)
		changed = true
	}

	t.release(roomId, r)

	if changed {
		t.emit(TypingEvent{RoomId: roomId, User: p, Typing: typing})
	}
}

func (t *TypingTracker) Clear(roomId string, p types.Participant) {
	t.Set(roomId, p, false)
}

func (t *TypingTracker) expiry(roomId string, p types.Participant, gen uint64) *time.Timer {
	return time.AfterFunc(t.timeout, func() {
		r := t.lockRoom(roomId, false)
		if r == nil {
			return
		}

		e, ok := r.entries[p]
		if !ok || e.gen != gen {
			r.mu.Unlock()
			return
		}
		delete(r.entries, p)
		t.release(roomId, r)

		t.emit(TypingEvent{RoomId: roomId, User: p, Typing: false})
	})
}

func (t *TypingTracker) emit(e TypingEvent) {
	t.mu.Lock()
	fn := t.notify
	t.mu.Unlock()

	if fn != nil {
		fn(e)
	}
}

func (t *TypingTracker) IsTyping(roomId string, p types.Participant) bool {
	r := t.lockRoom(roomId, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()

	e, ok := r.entries[p]
	return ok && time.Now().Before(e.expires)
}

// Typists lists who is currently typing in roomId.
func (t *TypingTracker) Typists(roomId string) []types.Participant {
	r := t.lockRoom(roomId, false)
	if r == nil {
		return nil
	}
	defer r.mu.Unlock()

	now := time.Now()
	typists := make([]types.Participant, 0, len(r.entries))
	for p, e := range r.entries {
		if now.Before(e.expires) {
			typists = append(typists, p)
		}
	}
	return typists
}

// Stop cancels every pending expiry. No events are emitted afterwards.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.notify = nil
	for id, r := range t.rooms {
		r.mu.Lock()
		for _, e := range r.entries {
			e.timer.Stop()
		}
		r.removed = true
		r.mu.Unlock()
		delete(t.rooms, id)
	}
}
