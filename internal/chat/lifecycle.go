package chat

import (
	"context"
	"fmt"

	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/notify"
	"github.com/npezzotti/pawchat/internal/types"
)

type Action int

const (
	ActionSend Action = iota
	ActionReact
	ActionMarkDelivered
	ActionMarkRead
	ActionDeleteForMe
	ActionDeleteForEveryone
	ActionSetWallpaper
	ActionHistory
)

func (a Action) String() string {
	switch a {
	case ActionSend:
		return "send"
	case ActionReact:
		return "react"
	case ActionMarkDelivered:
		return "mark delivered"
	case ActionMarkRead:
		return "mark read"
	case ActionDeleteForMe:
		return "delete for me"
	case ActionDeleteForEveryone:
		return "delete for everyone"
	case ActionSetWallpaper:
		return "set wallpaper"
	case ActionHistory:
		return "history"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Terminal rooms stay readable and keep their receipts up to date; nothing
// else changes.
var terminalActions = map[Action]bool{
	ActionMarkDelivered: true,
	ActionMarkRead:      true,
	ActionDeleteForMe:   true,
	ActionHistory:       true,
}

const (
	SystemRoomClosed  = "room closed"
	SystemRoomBlocked = "room blocked"
)

func Permits(state types.RoomState, action Action) bool {
	switch state {
	case types.RoomOpen:
		return true
	case types.RoomClosed, types.RoomBlocked:
		return terminalActions[action]
	}
	return false
}

func stateError(state types.RoomState) error {
	return errs.Forbidden(fmt.Sprintf("room is %s", state))
}

// authorize checks p may perform action in room. An owner locked out of a
// blocked room may do nothing at all.
func authorize(room types.Room, p types.Participant, action Action) error {
	if err := CanJoin(room, p); err != nil {
		return err
	}
	if !Permits(room.State, action) {
		return stateError(room.State)
	}
	return nil
}

// CanJoin reports whether p may attach to room. A blocked room stays
// visible to the shelter but not to the owner.
func CanJoin(room types.Room, p types.Participant) error {
	if !room.HasParticipant(p) {
		return ErrNotParticipant
	}
	if room.State == types.RoomBlocked && p.Role == types.RoleOwner {
		return stateError(room.State)
	}
	return nil
}

// Close moves an open room to closed and records the system message. The
// returned message is nil when the room was already closed.
func (s *Service) Close(ctx context.Context, roomId string, by types.Participant) (types.Room, *types.Message, error) {
	return s.transition(ctx, roomId, by, types.RoomClosed)
}

func (s *Service) Block(ctx context.Context, roomId string, by types.Participant) (types.Room, *types.Message, error) {
	return s.transition(ctx, roomId, by, types.RoomBlocked)
}

func (s *Service) transition(ctx context.Context, roomId string, by types.Participant, to types.RoomState) (types.Room, *types.Message, error) {
	unlock := s.locks.lock(roomId)
	defer unlock()

	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, nil, err
	}

	room := toRoom(dbRoom)
	if !room.HasParticipant(by) {
		return types.Room{}, nil, ErrNotParticipant
	}
	if by.Role != types.RoleShelter {
		return types.Room{}, nil, errs.Forbidden("only the shelter can change the room state")
	}

	if room.State == to {
		return room, nil, nil
	}
	if room.State != types.RoomOpen {
		return types.Room{}, nil, errs.New(errs.Conflict, fmt.Sprintf("room is already %s", room.State))
	}

	content := SystemRoomClosed
	if to == types.RoomBlocked {
		content = SystemRoomBlocked
	}

	sys := database.Message{
		Id:        s.newId(),
		RoomId:    dbRoom.Id,
		SeqId:     dbRoom.SeqId + 1,
		Sender:    by,
		Kind:      types.KindSystem,
		Content:   content,
		CreatedAt: s.nextTimestamp(dbRoom),
	}

	applied, err := s.db.TransitionRoom(ctx, database.TransitionParams{
		RoomId:        dbRoom.Id,
		From:          types.RoomOpen,
		To:            to,
		By:            by,
		SystemMessage: sys,
	})
	if err != nil {
		return types.Room{}, nil, errs.Wrap(errs.Internal, "transition room", err)
	}

	if !applied {
		// another process got there first
		dbRoom, err = s.loadRoom(ctx, roomId)
		if err != nil {
			return types.Room{}, nil, err
		}
		if dbRoom.State == to {
			return toRoom(dbRoom), nil, nil
		}
		return types.Room{}, nil, errs.New(errs.Conflict, fmt.Sprintf("room is already %s", dbRoom.State))
	}

	room.State = to
	room.SeqId = sys.SeqId
	room.LastMessageAt = sys.CreatedAt
	room.UpdatedAt = sys.CreatedAt
	if to == types.RoomBlocked {
		room.BlockedBy = &by
	}

	s.log.Printf("room %q is now %s", roomId, to)

	s.typing.Clear(roomId, room.Owner)
	s.typing.Clear(roomId, room.Shelter)

	s.notify(notify.Event{
		Type:      notify.RoomStateChanged,
		RoomId:    roomId,
		MessageId: sys.Id,
		Recipient: room.Counterpart(by),
		State:     to,
		At:        sys.CreatedAt,
	})

	msg := s.present(room, sys, nil, types.Participant{})
	return room, &msg, nil
}
