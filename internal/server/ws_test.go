package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/stats"
	"github.com/npezzotti/pawchat/internal/testutil"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWsServer upgrades every request into a client of cs. The identity
// comes from the query string since authentication is covered elsewhere.
func newWsServer(t *testing.T, cs *ChatServer) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("id"))
		identity := auth.Identity{UserId: id, Role: types.Role(r.URL.Query().Get("role"))}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := NewClient(identity, conn, cs, cs.log)
		if err := cs.Register(c); err != nil {
			conn.Close()
			return
		}

		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, p types.Participant) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?role=" + string(p.Role) + "&id=" + strconv.Itoa(p.Id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one matches or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*ServerMessage) bool) *ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no matching frame: %v", err)
		}
		if match(&msg) {
			return &msg
		}
	}
}

func responseTo(id int) func(*ServerMessage) bool {
	return func(m *ServerMessage) bool { return m.Response != nil && m.Id == id }
}

func newTestWsEnv(t *testing.T, framesPerSecond float64) (*ChatServer, types.Room) {
	repo := database.NewMemoryChatRepository()
	repo.AddAccount(database.Account{Id: 1, Role: types.RoleOwner, Email: "owner@example.com", Active: true})
	repo.AddAccount(database.Account{Id: 1, Role: types.RoleShelter, Email: "shelter@example.com", Active: true})

	svc := chat.NewService(testutil.TestLogger(t), repo, nil, nil)
	cs := newTestChatServer(t, svc, &stats.MockStatsUpdater{}, framesPerSecond)

	room, _, err := svc.OpenRoom(context.Background(), chat.OpenRoomParams{
		Requester: testutil.Shelter,
		OwnerId:   testutil.Owner.Id,
		ShelterId: testutil.Shelter.Id,
		PetId:     11,
	})
	require.NoError(t, err)
	return cs, room
}

func TestWebsocket_Conversation(t *testing.T) {
	cs, room := newTestWsEnv(t, 0)
	srv := newWsServer(t, cs)
	defer cs.Shutdown(context.Background())

	owner := dial(t, srv, testutil.Owner)
	shelter := dial(t, srv, testutil.Shelter)

	require.NoError(t, owner.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.ExternalId}}))
	res := readUntil(t, owner, responseTo(1))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, res.Response.Error)

	require.NoError(t, shelter.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{RoomId: room.ExternalId}}))
	res = readUntil(t, shelter, responseTo(1))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, res.Response.Error)

	presence := readUntil(t, owner, func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.Presence != nil
	})
	assert.Equal(t, testutil.Shelter, presence.Notification.Presence.User)

	require.NoError(t, owner.WriteJSON(ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Publish:     &Publish{RoomId: room.ExternalId, Content: "can I visit on Saturday?"},
	}))
	readUntil(t, owner, responseTo(2))

	incoming := readUntil(t, shelter, func(m *ServerMessage) bool { return m.Message != nil })
	assert.Equal(t, "can I visit on Saturday?", incoming.Message.Content)
	assert.Equal(t, 1, incoming.Message.SeqId)

	require.NoError(t, shelter.WriteJSON(ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Read:        &Read{RoomId: room.ExternalId, MessageId: incoming.Message.Id},
	}))
	readUntil(t, shelter, responseTo(2))

	update := readUntil(t, owner, func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.MessageUpdate != nil
	})
	require.Len(t, update.Notification.MessageUpdate.ReadBy, 1)
	assert.Equal(t, testutil.Shelter, update.Notification.MessageUpdate.ReadBy[0].Reader)

	require.NoError(t, owner.WriteMessage(websocket.TextMessage, []byte("not json")))
	res = readUntil(t, owner, func(m *ServerMessage) bool { return m.Response != nil })
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode)
}

func TestWebsocket_RateLimit(t *testing.T) {
	cs, room := newTestWsEnv(t, 1)
	srv := newWsServer(t, cs)
	defer cs.Shutdown(context.Background())

	conn := dial(t, srv, testutil.Owner)

	for id := 1; id <= 3; id++ {
		require.NoError(t, conn.WriteJSON(ClientMessage{BaseMessage: BaseMessage{Id: id}, Leave: &Leave{RoomId: room.ExternalId}}))
	}

	res := readUntil(t, conn, responseTo(3))
	assert.Equal(t, http.StatusTooManyRequests, res.Response.ResponseCode)
}

func TestWebsocket_Shutdown(t *testing.T) {
	cs, _ := newTestWsEnv(t, 0)
	srv := newWsServer(t, cs)

	conn := dial(t, srv, testutil.Owner)

	require.Eventually(t, func() bool {
		cs.clientsLock.Lock()
		defer cs.clientsLock.Unlock()
		return len(cs.clients) == 1
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected a going away close, got %v", err)
}
