package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/teris-io/shortid"
)

type OpenRoomParams struct {
	Requester types.Participant
	OwnerId   int
	ShelterId int
	PetId     int
}

// OpenRoom returns the conversation about a pet between an owner and a
// shelter, creating it on first contact. The bool is true when the room
// was created.
func (s *Service) OpenRoom(ctx context.Context, params OpenRoomParams) (types.Room, bool, error) {
	if params.OwnerId <= 0 || params.ShelterId <= 0 || params.PetId <= 0 {
		return types.Room{}, false, errs.Invalid("owner, shelter and pet are required")
	}

	owner := types.Participant{Role: types.RoleOwner, Id: params.OwnerId}
	shelter := types.Participant{Role: types.RoleShelter, Id: params.ShelterId}
	if params.Requester != owner && params.Requester != shelter {
		return types.Room{}, false, errs.Forbidden("requester must be a participant of the room")
	}

	for _, p := range []types.Participant{owner, shelter} {
		if err := s.checkAccount(ctx, p); err != nil {
			return types.Room{}, false, err
		}
	}

	externalId, err := shortid.Generate()
	if err != nil {
		return types.Room{}, false, errs.Wrap(errs.Internal, "generate room id", err)
	}

	room, created, err := s.db.GetOrCreateRoom(ctx, database.CreateRoomParams{
		ExternalId: externalId,
		OwnerId:    params.OwnerId,
		ShelterId:  params.ShelterId,
		PetId:      params.PetId,
	})
	if err != nil {
		return types.Room{}, false, errs.Wrap(errs.Internal, "open room", err)
	}

	if created {
		s.log.Printf("opened room %q for %s and %s about pet %d", room.ExternalId, owner, shelter, params.PetId)
	}

	return toRoom(room), created, nil
}

func (s *Service) checkAccount(ctx context.Context, p types.Participant) error {
	acct, err := s.db.GetAccount(ctx, p.Role, p.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errs.Missing(fmt.Sprintf("%s not found", p.Role))
		}
		return errs.Wrap(errs.Internal, "account lookup", err)
	}
	if !acct.Active {
		return errs.Missing(fmt.Sprintf("%s not found", p.Role))
	}
	return nil
}

// Room returns the room if viewer takes part in it.
func (s *Service) Room(ctx context.Context, roomId string, viewer types.Participant) (types.Room, error) {
	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	room := toRoom(dbRoom)
	if !room.HasParticipant(viewer) {
		return types.Room{}, ErrNotParticipant
	}

	return room, nil
}

// JoinableRoom loads a room and checks p may attach a live session to it.
func (s *Service) JoinableRoom(ctx context.Context, roomId string, p types.Participant) (types.Room, error) {
	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	room := toRoom(dbRoom)
	if err := CanJoin(room, p); err != nil {
		return types.Room{}, err
	}

	return room, nil
}

// JoinRoom checks p may attach to the room and runs attach while the
// room's state cannot change. A close or block that races the join is
// applied either before the check or after attach returns.
func (s *Service) JoinRoom(ctx context.Context, roomId string, p types.Participant, attach func(types.Room)) (types.Room, error) {
	unlock := s.locks.lock(roomId)
	defer unlock()

	room, err := s.JoinableRoom(ctx, roomId, p)
	if err != nil {
		return types.Room{}, err
	}

	attach(room)
	return room, nil
}

func (s *Service) RoomsFor(ctx context.Context, p types.Participant) ([]types.Room, error) {
	dbRooms, err := s.db.ListRoomsForParticipant(ctx, p)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list rooms", err)
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, r := range dbRooms {
		rooms = append(rooms, toRoom(r))
	}

	return rooms, nil
}

// SetTyping updates p's typing indicator. Turning it on requires a room
// that still accepts messages.
func (s *Service) SetTyping(ctx context.Context, roomId string, p types.Participant, typing bool) error {
	if typing {
		dbRoom, err := s.loadRoom(ctx, roomId)
		if err != nil {
			return err
		}
		if err := authorize(toRoom(dbRoom), p, ActionSend); err != nil {
			return err
		}
	}

	s.typing.Set(roomId, p, typing)
	return nil
}
