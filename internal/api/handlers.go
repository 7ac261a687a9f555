package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/server"
	"github.com/npezzotti/pawchat/internal/types"
)

type OpenRoomRequest struct {
	OwnerId   int `json:"owner_id"`
	ShelterId int `json:"shelter_id"`
	PetId     int `json:"pet_id"`
}

type RoomRequest struct {
	RoomId string `json:"room_id"`
}

type WallpaperRequest struct {
	RoomId     string              `json:"room_id"`
	Type       types.WallpaperType `json:"type"`
	URL        string              `json:"url,omitempty"`
	PresetName string              `json:"preset_name,omitempty"`
}

func (s *PawChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *PawChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := NewApiError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("request failed: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *PawChatApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// participant is only called behind authMiddleware.
func participant(r *http.Request) types.Participant {
	identity, _ := auth.IdentityFrom(r.Context())
	return identity.Participant()
}

func (s *PawChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *PawChatApp) openRoom(w http.ResponseWriter, r *http.Request) {
	var req OpenRoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, created, err := s.chat.OpenRoom(r.Context(), chat.OpenRoomParams{
		Requester: participant(r),
		OwnerId:   req.OwnerId,
		ShelterId: req.ShelterId,
		PetId:     req.PetId,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJson(w, status, room)
}

func (s *PawChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.chat.Room(r.Context(), r.URL.Query().Get("id"), participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *PawChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.chat.RoomsFor(r.Context(), participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if rooms == nil {
		rooms = []types.Room{}
	}
	s.writeJson(w, http.StatusOK, rooms)
}

func (s *PawChatApp) closeRoom(w http.ResponseWriter, r *http.Request) {
	var req RoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, err := s.cs.CloseRoom(r.Context(), req.RoomId, participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *PawChatApp) blockRoom(w http.ResponseWriter, r *http.Request) {
	var req RoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, err := s.cs.BlockRoom(r.Context(), req.RoomId, participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *PawChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := chat.HistoryQuery{Before: q.Get("before")}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		query.Limit = limit
	}

	page, err := s.chat.History(r.Context(), q.Get("room_id"), participant(r), query)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if page.Messages == nil {
		page.Messages = []types.Message{}
	}
	s.writeJson(w, http.StatusOK, page)
}

func (s *PawChatApp) getWallpaper(w http.ResponseWriter, r *http.Request) {
	wp, err := s.chat.Wallpaper(r.Context(), r.URL.Query().Get("room_id"), participant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, wp)
}

func (s *PawChatApp) putWallpaper(w http.ResponseWriter, r *http.Request) {
	var req WallpaperRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	wp, err := s.cs.SetWallpaper(r.Context(), chat.WallpaperParams{
		RoomId:     req.RoomId,
		SetBy:      participant(r),
		Type:       req.Type,
		PresetName: req.PresetName,
		URL:        req.URL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, wp)
}

func (s *PawChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identity, conn, s.cs, s.log)
	if err := s.cs.Register(client); err != nil {
		if errors.Is(err, server.ErrShuttingDown) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		}
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
