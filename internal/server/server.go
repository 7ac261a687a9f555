package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/stats"
	"github.com/npezzotti/pawchat/internal/types"
	"golang.org/x/time/rate"
)

var ErrShuttingDown = errors.New("server is shutting down")

type ChatServer struct {
	log          *log.Logger
	chat         *chat.Service
	registry     *Registry
	stats        stats.StatsProvider
	clients      map[*Client]struct{}
	clientsLock  sync.Mutex
	active       sync.WaitGroup
	frameRate    rate.Limit
	frameBurst   int
	shuttingDown atomic.Bool
}

// NewChatServer wires the dispatcher to svc. framesPerSecond limits each
// connection's inbound frames; zero disables limiting.
func NewChatServer(logger *log.Logger, svc *chat.Service, st stats.StatsProvider, framesPerSecond float64) *ChatServer {
	st.RegisterMetric(stats.Connections)
	st.RegisterMetric(stats.ActiveRooms)
	st.RegisterCounter(stats.MessagesSent)
	st.RegisterCounter(stats.BroadcastsDropped)

	cs := &ChatServer{
		log:      logger,
		chat:     svc,
		registry: NewRegistry(logger, st),
		stats:    st,
		clients:  make(map[*Client]struct{}),
	}

	if framesPerSecond > 0 {
		cs.frameRate = rate.Limit(framesPerSecond)
		cs.frameBurst = max(1, int(framesPerSecond*2))
	}

	svc.Typing().OnChange(cs.broadcastTyping)

	return cs
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

// Register starts tracking c. It fails once shutdown has begun.
func (cs *ChatServer) Register(c *Client) error {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.shuttingDown.Load() {
		return ErrShuttingDown
	}

	cs.clients[c] = struct{}{}
	cs.active.Add(1)
	cs.stats.Incr(stats.Connections)
	return nil
}

func (cs *ChatServer) unregister(c *Client) {
	cs.clientsLock.Lock()
	_, ok := cs.clients[c]
	delete(cs.clients, c)
	cs.clientsLock.Unlock()

	if !ok {
		return
	}

	user := c.Participant()
	for _, roomId := range cs.registry.LeaveAll(c) {
		cs.chat.Typing().Clear(roomId, user)
		cs.broadcastPresence(roomId, user, false)
	}

	cs.stats.Decr(stats.Connections)
	cs.active.Done()
}

func (cs *ChatServer) dispatch(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	if msg.payloads() != 1 {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	switch {
	case msg.Join != nil:
		cs.handleJoin(ctx, msg)
	case msg.Leave != nil:
		cs.handleLeave(msg)
	case msg.Publish != nil:
		if cs.joined(ctx, msg, msg.Publish.RoomId) {
			cs.handlePublish(ctx, msg)
		}
	case msg.React != nil:
		if cs.joined(ctx, msg, msg.React.RoomId) {
			cs.handleReact(ctx, msg)
		}
	case msg.Delivered != nil:
		if cs.joined(ctx, msg, msg.Delivered.RoomId) {
			cs.handleDelivered(ctx, msg)
		}
	case msg.Read != nil:
		if cs.joined(ctx, msg, msg.Read.RoomId) {
			cs.handleRead(ctx, msg)
		}
	case msg.Delete != nil:
		if cs.joined(ctx, msg, msg.Delete.RoomId) {
			cs.handleDelete(ctx, msg)
		}
	case msg.Typing != nil:
		if cs.joined(ctx, msg, msg.Typing.RoomId) {
			cs.handleTyping(ctx, msg)
		}
	case msg.Lifecycle != nil:
		if cs.joined(ctx, msg, msg.Lifecycle.RoomId) {
			cs.handleLifecycle(ctx, msg)
		}
	case msg.Wallpaper != nil:
		if cs.joined(ctx, msg, msg.Wallpaper.RoomId) {
			cs.handleWallpaper(ctx, msg)
		}
	}
}

// joined answers the frame with an error when its sender has not joined
// roomId on this connection. A room the sender may no longer attach to
// reports why, so a blocked owner sees the block rather than a missing
// subscription.
func (cs *ChatServer) joined(ctx context.Context, msg *ClientMessage, roomId string) bool {
	c := msg.client
	if c.inRoom(roomId) {
		return true
	}

	if _, err := cs.chat.JoinableRoom(ctx, roomId, c.Participant()); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return false
	}

	c.queueMessage(ErrRoomNotJoined(msg.Id))
	return false
}

type joinResult struct {
	Room   types.Room          `json:"room"`
	Online []types.Participant `json:"online"`
	Typing []types.Participant `json:"typing"`
}

func (cs *ChatServer) handleJoin(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	user := c.Participant()

	var first bool
	room, err := cs.chat.JoinRoom(ctx, msg.Join.RoomId, user, func(room types.Room) {
		first = cs.registry.Join(room.ExternalId, c)
	})
	if err != nil {
		cs.log.Printf("join %q: %v", msg.Join.RoomId, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	if first {
		cs.broadcastPresence(room.ExternalId, user, true)
	}

	c.queueMessage(NoErrOK(msg.Id, joinResult{
		Room:   room,
		Online: cs.registry.Members(room.ExternalId),
		Typing: cs.chat.Typing().Typists(room.ExternalId),
	}))
}

func (cs *ChatServer) handleLeave(msg *ClientMessage) {
	c := msg.client
	roomId := msg.Leave.RoomId
	if !c.inRoom(roomId) {
		c.queueMessage(ErrRoomNotJoined(msg.Id))
		return
	}

	user := c.Participant()
	if cs.registry.Leave(roomId, c) {
		cs.chat.Typing().Clear(roomId, user)
		cs.broadcastPresence(roomId, user, false)
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (cs *ChatServer) handlePublish(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	p := msg.Publish

	m, err := cs.chat.Append(ctx, chat.AppendParams{
		RoomId:   p.RoomId,
		Sender:   c.Participant(),
		Kind:     p.Kind,
		Content:  p.Content,
		ImageURL: p.ImageURL,
		ReplyTo:  p.ReplyTo,
	})
	if err != nil {
		cs.log.Printf("publish %q: %v", p.RoomId, err)
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	cs.stats.Incr(stats.MessagesSent)
	c.queueMessage(NoErrOK(msg.Id, m))
	cs.registry.Broadcast(p.RoomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &m,
		SkipClient:  c,
	})
}

func (cs *ChatServer) handleReact(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	r := msg.React

	m, err := cs.chat.React(ctx, r.RoomId, r.MessageId, c.Participant(), r.Emoji)
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, m))
	cs.broadcastUpdate(r.RoomId, m, c)
}

func (cs *ChatServer) handleDelivered(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	d := msg.Delivered

	m, changed, err := cs.chat.MarkDelivered(ctx, d.RoomId, d.MessageId, c.Participant())
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, m))
	if changed {
		cs.broadcastUpdate(d.RoomId, m, c)
	}
}

func (cs *ChatServer) handleRead(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	r := msg.Read

	m, changed, err := cs.chat.MarkRead(ctx, r.RoomId, r.MessageId, c.Participant(), r.ReadAt)
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, m))
	if changed {
		cs.broadcastUpdate(r.RoomId, m, c)
	}
}

func (cs *ChatServer) handleDelete(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	d := msg.Delete

	m, err := cs.chat.Delete(ctx, d.RoomId, d.MessageId, c.Participant(), d.Scope)
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, m))
	// deleting for oneself is private to the requester
	if d.Scope == chat.ScopeEveryone {
		cs.broadcastUpdate(d.RoomId, m, c)
	}
}

func (cs *ChatServer) handleTyping(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	t := msg.Typing

	if err := cs.chat.SetTyping(ctx, t.RoomId, c.Participant(), t.Typing); err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id))
}

func (cs *ChatServer) handleLifecycle(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	l := msg.Lifecycle

	var (
		room types.Room
		err  error
	)
	switch l.Action {
	case LifecycleClose:
		room, err = cs.CloseRoom(ctx, l.RoomId, c.Participant())
	case LifecycleBlock:
		room, err = cs.BlockRoom(ctx, l.RoomId, c.Participant())
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, room))
}

func (cs *ChatServer) handleWallpaper(ctx context.Context, msg *ClientMessage) {
	c := msg.client
	w := msg.Wallpaper

	wp, err := cs.SetWallpaper(ctx, chat.WallpaperParams{
		RoomId:     w.RoomId,
		SetBy:      c.Participant(),
		Type:       w.Type,
		PresetName: w.PresetName,
		URL:        w.URL,
	})
	if err != nil {
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, wp))
}

// CloseRoom closes the room and tells everyone connected to it.
func (cs *ChatServer) CloseRoom(ctx context.Context, roomId string, by types.Participant) (types.Room, error) {
	room, sys, err := cs.chat.Close(ctx, roomId, by)
	if err != nil {
		return room, err
	}
	cs.NotifyTransition(room, sys)
	return room, nil
}

// BlockRoom blocks the room and drops the owner's subscriptions to it.
func (cs *ChatServer) BlockRoom(ctx context.Context, roomId string, by types.Participant) (types.Room, error) {
	room, sys, err := cs.chat.Block(ctx, roomId, by)
	if err != nil {
		return room, err
	}
	cs.NotifyTransition(room, sys)
	return room, nil
}

// NotifyTransition fans out a state change. A nil system message means the
// request was a no-op and nothing is sent.
func (cs *ChatServer) NotifyTransition(room types.Room, sys *types.Message) {
	if sys == nil {
		return
	}

	roomId := room.ExternalId
	cs.registry.Broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     sys,
	})
	cs.registry.Broadcast(roomId, notification(&Notification{
		RoomState: &RoomState{
			RoomId:    roomId,
			State:     room.State,
			BlockedBy: room.BlockedBy,
		},
	}))

	if room.State != types.RoomBlocked {
		return
	}

	evicted := false
	for _, c := range cs.registry.ClientsOf(roomId, room.Owner) {
		if cs.registry.Leave(roomId, c) {
			evicted = true
		}
	}
	if evicted {
		cs.broadcastPresence(roomId, room.Owner, false)
	}
}

// SetWallpaper stores the room's wallpaper and pushes it to the room.
func (cs *ChatServer) SetWallpaper(ctx context.Context, params chat.WallpaperParams) (types.Wallpaper, error) {
	wp, err := cs.chat.SetWallpaper(ctx, params)
	if err != nil {
		return wp, err
	}

	cs.registry.Broadcast(params.RoomId, notification(&Notification{Wallpaper: &wp}))
	return wp, nil
}

// broadcastUpdate pushes a changed message to everyone in the room but the
// connection that changed it. Per-viewer deletions are never shared.
func (cs *ChatServer) broadcastUpdate(roomId string, m types.Message, skip *Client) {
	m.DeletedFor = nil
	msg := notification(&Notification{MessageUpdate: &m})
	msg.SkipClient = skip
	cs.registry.Broadcast(roomId, msg)
}

func (cs *ChatServer) broadcastPresence(roomId string, user types.Participant, online bool) {
	msg := notification(&Notification{
		Presence: &Presence{
			RoomId: roomId,
			User:   user,
			Online: online,
		},
	})
	msg.SkipUser = &user
	cs.registry.Broadcast(roomId, msg)
}

func (cs *ChatServer) broadcastTyping(e chat.TypingEvent) {
	msg := notification(&Notification{Typing: &e})
	msg.SkipUser = &e.User
	cs.registry.Broadcast(e.RoomId, msg)
}

func notification(n *Notification) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: n,
	}
}

// Shutdown disconnects every client and waits for their pumps to finish
// or for ctx to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")

	cs.clientsLock.Lock()
	cs.shuttingDown.Store(true)
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.active.Wait()
		close(done)
	}()

	defer cs.chat.Typing().Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
