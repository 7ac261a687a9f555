package chat

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/notify"
	"github.com/npezzotti/pawchat/internal/types"
)

var (
	ErrRoomNotFound       = errs.Missing("room not found")
	ErrMessageNotFound    = errs.Missing("message not found")
	ErrMessageUnavailable = errs.Missing("message unavailable")
	ErrNotParticipant     = errs.Forbidden("not a participant of this room")
)

// Service is the chat core. Every operation that mutates a room or one of
// its messages runs under that room's key lock.
type Service struct {
	db       database.ChatRepository
	log      *log.Logger
	typing   *TypingTracker
	notifier notify.Notifier
	locks    *keyLocks
	now      func() time.Time
	newId    func() string
}

func NewService(l *log.Logger, db database.ChatRepository, typing *TypingTracker, n notify.Notifier) *Service {
	if typing == nil {
		typing = NewTypingTracker(DefaultTypingTimeout)
	}
	if n == nil {
		n = notify.Nop{}
	}

	return &Service{
		db:       db,
		log:      l,
		typing:   typing,
		notifier: n,
		locks:    newKeyLocks(),
		now:      Now,
		newId:    uuid.NewString,
	}
}

func (s *Service) Typing() *TypingTracker {
	return s.typing
}

// Now returns the current time in the resolution timestamps are stored in.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// nextTimestamp keeps creation times strictly increasing within a room.
func (s *Service) nextTimestamp(room database.Room) time.Time {
	t := s.now()
	if !t.After(room.LastMessageAt) {
		t = room.LastMessageAt.Add(time.Millisecond)
	}
	return t
}

func (s *Service) loadRoom(ctx context.Context, roomId string) (database.Room, error) {
	if roomId == "" {
		return database.Room{}, errs.Invalid("room id required")
	}

	room, err := s.db.GetRoomByExternalId(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, ErrRoomNotFound
		}
		return database.Room{}, errs.Wrap(errs.Internal, "load room", err)
	}

	return room, nil
}

// loadMessage fetches a message and makes sure it belongs to room.
func (s *Service) loadMessage(ctx context.Context, room database.Room, messageId string) (database.Message, error) {
	if messageId == "" {
		return database.Message{}, errs.Invalid("message id required")
	}

	msg, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Message{}, ErrMessageNotFound
		}
		return database.Message{}, errs.Wrap(errs.Internal, "load message", err)
	}
	if msg.RoomId != room.Id {
		return database.Message{}, ErrMessageNotFound
	}

	return msg, nil
}

func toRoom(r database.Room) types.Room {
	room := types.Room{
		Id:            r.Id,
		ExternalId:    r.ExternalId,
		Owner:         types.Participant{Role: types.RoleOwner, Id: r.OwnerId},
		Shelter:       types.Participant{Role: types.RoleShelter, Id: r.ShelterId},
		PetId:         r.PetId,
		State:         r.State,
		SeqId:         r.SeqId,
		LastMessageAt: r.LastMessageAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.BlockedBy != nil {
		by := *r.BlockedBy
		room.BlockedBy = &by
	}
	return room
}

func (s *Service) notify(e notify.Event) {
	if e.Recipient.IsZero() {
		return
	}
	s.notifier.Notify(e)
}
