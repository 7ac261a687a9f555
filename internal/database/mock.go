package database

import (
	"context"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetAccount(ctx context.Context, role types.Role, id int) (Account, error) {
	args := m.Called(ctx, role, id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) GetOrCreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForParticipant(ctx context.Context, p types.Participant) ([]Room, error) {
	args := m.Called(ctx, p)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) TransitionRoom(ctx context.Context, params TransitionParams) (bool, error) {
	args := m.Called(ctx, params)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, roomId int, before *MessageCursor, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpsertReaction(ctx context.Context, r Reaction) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}
func (m *MockChatRepository) UpsertReceipt(ctx context.Context, r Receipt) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}
func (m *MockChatRepository) CreateDeletion(ctx context.Context, d Deletion) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteForEveryone(ctx context.Context, messageId string, at time.Time) error {
	args := m.Called(ctx, messageId, at)
	return args.Error(0)
}
func (m *MockChatRepository) GetWallpaper(ctx context.Context, roomId int) (Wallpaper, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(Wallpaper), args.Error(1)
}
func (m *MockChatRepository) UpsertWallpaper(ctx context.Context, w Wallpaper) (Wallpaper, error) {
	args := m.Called(ctx, w)
	return args.Get(0).(Wallpaper), args.Error(1)
}
