package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
)

// MemoryChatRepository keeps everything in process memory. It backs the
// test suites and the -dsn memory development mode.
type MemoryChatRepository struct {
	mu         sync.RWMutex
	accounts   map[types.Participant]Account
	rooms      map[int]*Room
	roomSeq    int
	messages   map[string]*Message
	wallpapers map[int]Wallpaper
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		accounts:   make(map[types.Participant]Account),
		rooms:      make(map[int]*Room),
		messages:   make(map[string]*Message),
		wallpapers: make(map[int]Wallpaper),
	}
}

// AddAccount seeds an account; the account store is read-only otherwise.
func (m *MemoryChatRepository) AddAccount(acct Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[types.Participant{Role: acct.Role, Id: acct.Id}] = acct
}

func (m *MemoryChatRepository) Ping(context.Context) error {
	return nil
}

func (m *MemoryChatRepository) GetAccount(_ context.Context, role types.Role, id int) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[types.Participant{Role: role, Id: id}]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryChatRepository) GetOrCreateRoom(_ context.Context, params CreateRoomParams) (Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.OwnerId == params.OwnerId && r.ShelterId == params.ShelterId && r.PetId == params.PetId {
			return *r, false, nil
		}
	}

	for _, r := range m.rooms {
		if r.ExternalId == params.ExternalId {
			return Room{}, false, fmt.Errorf("duplicate external id %q", params.ExternalId)
		}
	}

	now := time.Now().UTC()
	m.roomSeq++
	room := &Room{
		Id:         m.roomSeq,
		ExternalId: params.ExternalId,
		OwnerId:    params.OwnerId,
		ShelterId:  params.ShelterId,
		PetId:      params.PetId,
		State:      types.RoomOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.rooms[room.Id] = room

	return *room, true, nil
}

func (m *MemoryChatRepository) GetRoomByExternalId(_ context.Context, externalId string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rooms {
		if r.ExternalId == externalId {
			return *r, nil
		}
	}
	return Room{}, ErrNotFound
}

func (m *MemoryChatRepository) ListRoomsForParticipant(_ context.Context, p types.Participant) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]Room, 0)
	for _, r := range m.rooms {
		if (p.Role == types.RoleOwner && r.OwnerId == p.Id) ||
			(p.Role == types.RoleShelter && r.ShelterId == p.Id) {
			rooms = append(rooms, *r)
		}
	}

	activity := func(r Room) time.Time {
		if r.LastMessageAt.IsZero() {
			return r.CreatedAt
		}
		return r.LastMessageAt
	}
	slices.SortFunc(rooms, func(a, b Room) int {
		if c := activity(b).Compare(activity(a)); c != 0 {
			return c
		}
		return b.Id - a.Id
	})

	return rooms, nil
}

func (m *MemoryChatRepository) TransitionRoom(_ context.Context, params TransitionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[params.RoomId]
	if !ok {
		return false, ErrNotFound
	}
	if room.State != params.From {
		return false, nil
	}

	room.State = params.To
	room.UpdatedAt = params.SystemMessage.CreatedAt
	if params.To == types.RoomBlocked {
		by := params.By
		room.BlockedBy = &by
	}
	m.insertMessage(params.SystemMessage)

	return true, nil
}

func (m *MemoryChatRepository) insertMessage(msg Message) {
	stored := cloneMessage(msg)
	m.messages[msg.Id] = &stored

	if room, ok := m.rooms[msg.RoomId]; ok {
		room.SeqId = msg.SeqId
		room.LastMessageAt = msg.CreatedAt
		room.UpdatedAt = msg.CreatedAt
	}
}

func (m *MemoryChatRepository) CreateMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[msg.RoomId]; !ok {
		return fmt.Errorf("insert message: room %d: %w", msg.RoomId, ErrNotFound)
	}
	if _, ok := m.messages[msg.Id]; ok {
		return fmt.Errorf("insert message: duplicate id %q", msg.Id)
	}

	m.insertMessage(msg)
	return nil
}

func (m *MemoryChatRepository) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(*msg), nil
}

func (m *MemoryChatRepository) GetMessages(_ context.Context, roomId int, before *MessageCursor, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.RoomId != roomId {
			continue
		}
		if before != nil && !olderThan(msg, before) {
			continue
		}
		msgs = append(msgs, cloneMessage(*msg))
	}

	slices.SortFunc(msgs, func(a, b Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Id > b.Id:
			return -1
		case a.Id < b.Id:
			return 1
		}
		return 0
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	return msgs, nil
}

func olderThan(msg *Message, c *MessageCursor) bool {
	if msg.CreatedAt.Equal(c.CreatedAt) {
		return msg.Id < c.Id
	}
	return msg.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryChatRepository) UpsertReaction(_ context.Context, r Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[r.MessageId]
	if !ok {
		return ErrNotFound
	}

	for i := range msg.Reactions {
		if msg.Reactions[i].Reactor == r.Reactor {
			msg.Reactions[i] = r
			return nil
		}
	}
	msg.Reactions = append(msg.Reactions, r)

	return nil
}

func (m *MemoryChatRepository) UpsertReceipt(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[r.MessageId]
	if !ok {
		return ErrNotFound
	}

	for i := range msg.Receipts {
		cur := &msg.Receipts[i]
		if cur.Recipient != r.Recipient {
			continue
		}
		if r.ReadAt != nil && cur.ReadAt == nil {
			t := *r.ReadAt
			cur.ReadAt = &t
		}
		return nil
	}

	if r.ReadAt != nil {
		t := *r.ReadAt
		r.ReadAt = &t
	}
	msg.Receipts = append(msg.Receipts, r)

	return nil
}

func (m *MemoryChatRepository) CreateDeletion(_ context.Context, d Deletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[d.MessageId]
	if !ok {
		return ErrNotFound
	}

	for _, cur := range msg.Deletions {
		if cur.User == d.User {
			return nil
		}
	}
	msg.Deletions = append(msg.Deletions, d)

	return nil
}

func (m *MemoryChatRepository) DeleteForEveryone(_ context.Context, messageId string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageId]
	if !ok {
		return ErrNotFound
	}
	if msg.DeletedForEveryone {
		return nil
	}

	msg.DeletedForEveryone = true
	msg.DeletedAt = &at

	return nil
}

func (m *MemoryChatRepository) GetWallpaper(_ context.Context, roomId int) (Wallpaper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallpapers[roomId]
	if !ok {
		return Wallpaper{}, ErrNotFound
	}
	return w, nil
}

func (m *MemoryChatRepository) UpsertWallpaper(_ context.Context, w Wallpaper) (Wallpaper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.wallpapers[w.RoomId]; ok {
		w.Id = cur.Id
	}
	m.wallpapers[w.RoomId] = w

	return w, nil
}

func cloneMessage(msg Message) Message {
	msg.Reactions = slices.Clone(msg.Reactions)
	msg.Receipts = slices.Clone(msg.Receipts)
	msg.Deletions = slices.Clone(msg.Deletions)
	if msg.DeletedAt != nil {
		t := *msg.DeletedAt
		msg.DeletedAt = &t
	}
	for i, r := range msg.Receipts {
		if r.ReadAt != nil {
			t := *r.ReadAt
			msg.Receipts[i].ReadAt = &t
		}
	}
	return msg
}
