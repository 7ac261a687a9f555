package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
)

var ErrNotFound = errors.New("record not found")

type AccountStore interface {
	GetAccount(ctx context.Context, role types.Role, id int) (Account, error)
}

type ChatRepository interface {
	AccountStore
	Ping(ctx context.Context) error
	// GetOrCreateRoom returns the room for the (owner, shelter, pet) triple,
	// creating it when absent. The bool reports whether it was created.
	GetOrCreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	ListRoomsForParticipant(ctx context.Context, p types.Participant) ([]Room, error)
	// TransitionRoom reports false without writing anything when the room
	// is not in params.From.
	TransitionRoom(ctx context.Context, params TransitionParams) (bool, error)
	CreateMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessages(ctx context.Context, roomId int, before *MessageCursor, limit int) ([]Message, error)
	UpsertReaction(ctx context.Context, r Reaction) error
	UpsertReceipt(ctx context.Context, r Receipt) error
	CreateDeletion(ctx context.Context, d Deletion) error
	DeleteForEveryone(ctx context.Context, messageId string, at time.Time) error
	GetWallpaper(ctx context.Context, roomId int) (Wallpaper, error)
	UpsertWallpaper(ctx context.Context, w Wallpaper) (Wallpaper, error)
}
