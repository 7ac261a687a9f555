package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage carries exactly one payload.
type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Publish   *Publish   `json:"publish,omitempty"`
	React     *React     `json:"react,omitempty"`
	Delivered *Delivered `json:"delivered,omitempty"`
	Read      *Read      `json:"read,omitempty"`
	Delete    *Delete    `json:"delete,omitempty"`
	Typing    *Typing    `json:"typing,omitempty"`
	Lifecycle *Lifecycle `json:"lifecycle,omitempty"`
	Wallpaper *Wallpaper `json:"wallpaper,omitempty"`
	client    *Client    `json:"-"`
}

func (m *ClientMessage) payloads() int {
	n := 0
	for _, set := range []bool{
		m.Join != nil, m.Leave != nil, m.Publish != nil, m.React != nil, m.Delivered != nil,
		m.Read != nil, m.Delete != nil, m.Typing != nil, m.Lifecycle != nil, m.Wallpaper != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId   string            `json:"room_id"`
	Kind     types.MessageKind `json:"kind,omitempty"`
	Content  string            `json:"content,omitempty"`
	ImageURL string            `json:"image_url,omitempty"`
	ReplyTo  string            `json:"reply_to,omitempty"`
}

type React struct {
	RoomId    string `json:"room_id"`
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type Delivered struct {
	RoomId    string `json:"room_id"`
	MessageId string `json:"message_id"`
}

type Read struct {
	RoomId    string    `json:"room_id"`
	MessageId string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at,omitempty"`
}

type Delete struct {
	RoomId    string           `json:"room_id"`
	MessageId string           `json:"message_id"`
	Scope     chat.DeleteScope `json:"scope"`
}

type Typing struct {
	RoomId string `json:"room_id"`
	Typing bool   `json:"typing"`
}

const (
	LifecycleClose = "close"
	LifecycleBlock = "block"
)

type Lifecycle struct {
	RoomId string `json:"room_id"`
	Action string `json:"action"`
}

type Wallpaper struct {
	RoomId     string              `json:"room_id"`
	Type       types.WallpaperType `json:"type"`
	URL        string              `json:"url,omitempty"`
	PresetName string              `json:"preset_name,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response          `json:"response,omitempty"`
	Message      *types.Message     `json:"message,omitempty"`
	Notification *Notification      `json:"notification,omitempty"`
	SkipClient   *Client            `json:"-"`
	SkipUser     *types.Participant `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence      *Presence         `json:"presence,omitempty"`
	Typing        *chat.TypingEvent `json:"typing,omitempty"`
	MessageUpdate *types.Message    `json:"message_update,omitempty"`
	RoomState     *RoomState        `json:"room_state,omitempty"`
	Wallpaper     *types.Wallpaper  `json:"wallpaper,omitempty"`
}

type Presence struct {
	RoomId string            `json:"room_id"`
	User   types.Participant `json:"user"`
	Online bool              `json:"online"`
}

type RoomState struct {
	RoomId    string             `json:"room_id"`
	State     types.RoomState    `json:"state"`
	BlockedBy *types.Participant `json:"blocked_by,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

// ErrResponse reports err to the client with the status its kind maps
// to. Internal details never leave the server.
func ErrResponse(id int, err error) *ServerMessage {
	return errMessage(id, errs.StatusCode(err), errs.Reason(err))
}

func ErrRoomNotJoined(id int) *ServerMessage {
	return errMessage(id, http.StatusNotFound, "room not joined")
}

func ErrTooManyRequests(id int) *ServerMessage {
	return errMessage(id, http.StatusTooManyRequests, "too many requests")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errMessage(id, http.StatusBadRequest, "invalid message format")
}

func errMessage(id, code int, reason string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        reason,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return chat.Now()
}
