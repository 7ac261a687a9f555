package server

import (
	"sync"
	"testing"

	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/stats"
	"github.com/npezzotti/pawchat/internal/testutil"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRegistry(t *testing.T) (*Registry, *stats.MockStatsUpdater) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	return NewRegistry(testutil.TestLogger(t), su), su
}

func newQueueClient(t *testing.T, p types.Participant, size int) *Client {
	return &Client{
		log:      testutil.TestLogger(t),
		identity: auth.Identity{UserId: p.Id, Role: p.Role},
		send:     make(chan *ServerMessage, size),
		rooms:    make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

func TestRegistry_JoinLeave(t *testing.T) {
	r, su := newTestRegistry(t)

	phone := newQueueClient(t, testutil.Owner, 1)
	laptop := newQueueClient(t, testutil.Owner, 1)

	assert.True(t, r.Join("room1", phone), "expected first connection of the user")
	assert.False(t, r.Join("room1", laptop), "expected second connection to not be first")
	assert.False(t, r.Join("room1", laptop), "expected rejoin to be a no-op")
	assert.True(t, laptop.inRoom("room1"))

	assert.True(t, r.Online("room1", testutil.Owner))
	assert.False(t, r.Online("room1", testutil.Shelter))
	assert.Equal(t, []types.Participant{testutil.Owner}, r.Members("room1"))
	assert.Len(t, r.ClientsOf("room1", testutil.Owner), 2)
	assert.Equal(t, 1, r.Rooms())

	assert.False(t, r.Leave("room1", phone), "expected the user to still be online")
	assert.False(t, r.Leave("room1", phone), "expected a repeated leave to be a no-op")
	assert.True(t, r.Leave("room1", laptop), "expected the last connection to take the user offline")
	assert.False(t, laptop.inRoom("room1"))

	assert.False(t, r.Online("room1", testutil.Owner))
	assert.Zero(t, r.Rooms(), "expected empty rooms to be dropped")
	assert.False(t, r.Leave("missing", phone))

	su.AssertNumberOfCalls(t, "Incr", 1)
	su.AssertNumberOfCalls(t, "Decr", 1)
	su.AssertCalled(t, "Incr", stats.ActiveRooms)
	su.AssertCalled(t, "Decr", stats.ActiveRooms)
}

func TestRegistry_LeaveAll(t *testing.T) {
	r, _ := newTestRegistry(t)

	c := newQueueClient(t, testutil.Shelter, 1)
	other := newQueueClient(t, testutil.Shelter, 1)

	r.Join("room1", c)
	r.Join("room2", c)
	r.Join("room2", other)

	offline := r.LeaveAll(c)
	assert.Equal(t, []string{"room1"}, offline, "expected the user to stay online where another connection remains")
	assert.Empty(t, c.joinedRooms())
	assert.True(t, r.Online("room2", testutil.Shelter))
}

func TestRegistry_Broadcast(t *testing.T) {
	r, _ := newTestRegistry(t)

	owner := newQueueClient(t, testutil.Owner, 4)
	ownerTablet := newQueueClient(t, testutil.Owner, 4)
	shelter := newQueueClient(t, testutil.Shelter, 4)
	elsewhere := newQueueClient(t, testutil.Stranger, 4)

	r.Join("room1", owner)
	r.Join("room1", ownerTablet)
	r.Join("room1", shelter)
	r.Join("room2", elsewhere)

	t.Run("skip client", func(t *testing.T) {
		r.Broadcast("room1", &ServerMessage{SkipClient: owner})

		assert.Len(t, owner.send, 0, "expected the skipped connection to get nothing")
		assert.Len(t, ownerTablet.send, 1, "expected the sender's other connection to get the frame")
		assert.Len(t, shelter.send, 1)
		assert.Len(t, elsewhere.send, 0, "expected no fan-out across rooms")
		drainAll(ownerTablet, shelter)
	})

	t.Run("skip user", func(t *testing.T) {
		user := testutil.Owner
		r.Broadcast("room1", &ServerMessage{SkipUser: &user})

		assert.Len(t, owner.send, 0)
		assert.Len(t, ownerTablet.send, 0)
		assert.Len(t, shelter.send, 1)
		drainAll(shelter)
	})

	t.Run("unknown room", func(t *testing.T) {
		assert.NotPanics(t, func() { r.Broadcast("missing", &ServerMessage{}) })
	})
}

func TestRegistry_BroadcastDropsOnFullQueue(t *testing.T) {
	r, su := newTestRegistry(t)

	slow := newQueueClient(t, testutil.Owner, 1)
	fast := newQueueClient(t, testutil.Shelter, 4)
	r.Join("room1", slow)
	r.Join("room1", fast)

	r.Broadcast("room1", &ServerMessage{})
	r.Broadcast("room1", &ServerMessage{})

	assert.Len(t, slow.send, 1, "expected the overflowing frame to be dropped")
	assert.Len(t, fast.send, 2, "expected a slow peer to not hold up others")
	su.AssertCalled(t, "Incr", stats.BroadcastsDropped)
}

func TestRegistry_Concurrent(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newQueueClient(t, testutil.Owner, 64)
			r.Join("room1", c)
			r.Broadcast("room1", &ServerMessage{})
			r.Leave("room1", c)
		}()
	}
	wg.Wait()

	assert.Zero(t, r.Rooms())
	assert.False(t, r.Online("room1", testutil.Owner))
}

func drainAll(clients ...*Client) {
	for _, c := range clients {
		drain(c)
	}
}

func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}
