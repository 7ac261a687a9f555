package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/types"
)

const DefaultPreset = "default"

func DefaultWallpaper(roomId string) types.Wallpaper {
	return types.Wallpaper{
		RoomId:     roomId,
		Type:       types.WallpaperPreset,
		PresetName: DefaultPreset,
		IsDefault:  true,
	}
}

type WallpaperParams struct {
	RoomId     string
	SetBy      types.Participant
	Type       types.WallpaperType
	PresetName string
	URL        string
}

func (p *WallpaperParams) validate() error {
	p.PresetName = strings.TrimSpace(p.PresetName)
	p.URL = strings.TrimSpace(p.URL)

	switch p.Type {
	case types.WallpaperPreset:
		if p.PresetName == "" {
			return errs.Invalid("preset name required")
		}
		p.URL = ""
	case types.WallpaperCustom:
		if p.URL == "" {
			return errs.Invalid("wallpaper url required")
		}
		p.PresetName = ""
	default:
		return errs.Invalid("unknown wallpaper type")
	}
	return nil
}

// Wallpaper returns the room's shared wallpaper, or the default when none
// was ever set.
func (s *Service) Wallpaper(ctx context.Context, roomId string, viewer types.Participant) (types.Wallpaper, error) {
	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Wallpaper{}, err
	}

	room := toRoom(dbRoom)
	if err := authorize(room, viewer, ActionHistory); err != nil {
		return types.Wallpaper{}, err
	}

	w, err := s.db.GetWallpaper(ctx, dbRoom.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return DefaultWallpaper(roomId), nil
		}
		return types.Wallpaper{}, errs.Wrap(errs.Internal, "load wallpaper", err)
	}

	return toWallpaper(roomId, w), nil
}

// SetWallpaper replaces the room's wallpaper for both participants.
func (s *Service) SetWallpaper(ctx context.Context, params WallpaperParams) (types.Wallpaper, error) {
	if err := params.validate(); err != nil {
		return types.Wallpaper{}, err
	}

	unlock := s.locks.lock(params.RoomId)
	defer unlock()

	dbRoom, err := s.loadRoom(ctx, params.RoomId)
	if err != nil {
		return types.Wallpaper{}, err
	}

	if err := authorize(toRoom(dbRoom), params.SetBy, ActionSetWallpaper); err != nil {
		return types.Wallpaper{}, err
	}

	w, err := s.db.UpsertWallpaper(ctx, database.Wallpaper{
		Id:         s.newId(),
		RoomId:     dbRoom.Id,
		Type:       params.Type,
		PresetName: params.PresetName,
		URL:        params.URL,
		SetBy:      params.SetBy,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return types.Wallpaper{}, errs.Wrap(errs.Internal, "save wallpaper", err)
	}

	return toWallpaper(params.RoomId, w), nil
}

func toWallpaper(roomId string, w database.Wallpaper) types.Wallpaper {
	setBy := w.SetBy
	return types.Wallpaper{
		Id:         w.Id,
		RoomId:     roomId,
		Type:       w.Type,
		PresetName: w.PresetName,
		URL:        w.URL,
		SetBy:      &setBy,
		UpdatedAt:  w.UpdatedAt,
	}
}
