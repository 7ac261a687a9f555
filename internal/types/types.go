package types

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleOwner   Role = "owner"
	RoleShelter Role = "shelter"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleShelter
}

// Participant identifies one side of a room. Ids are only unique within
// a role, so identities are always compared as a whole.
type Participant struct {
	Role Role `json:"role"`
	Id   int  `json:"id"`
}

func (p Participant) String() string {
	return fmt.Sprintf("%s:%d", p.Role, p.Id)
}

func (p Participant) IsZero() bool {
	return p.Role == "" && p.Id == 0
}

type RoomState string

const (
	RoomOpen    RoomState = "open"
	RoomClosed  RoomState = "closed"
	RoomBlocked RoomState = "blocked"
)

type Room struct {
	Id            int          `json:"-"`
	ExternalId    string       `json:"id"`
	Owner         Participant  `json:"owner"`
	Shelter       Participant  `json:"shelter"`
	PetId         int          `json:"pet_id"`
	State         RoomState    `json:"state"`
	SeqId         int          `json:"seq_id"`
	LastMessageAt time.Time    `json:"last_message_at,omitempty"`
	BlockedBy     *Participant `json:"blocked_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at,omitempty"`
}

func (r Room) HasParticipant(p Participant) bool {
	return p == r.Owner || p == r.Shelter
}

// Counterpart returns the other participant of the room.
func (r Room) Counterpart(p Participant) Participant {
	if p == r.Owner {
		return r.Shelter
	}
	return r.Owner
}

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

type Reaction struct {
	Reactor   Participant `json:"reactor"`
	Emoji     string      `json:"emoji"`
	ReactedAt time.Time   `json:"reacted_at"`
}

type ReadReceipt struct {
	Reader Participant `json:"reader"`
	ReadAt time.Time   `json:"read_at"`
}

type Deletion struct {
	User      Participant `json:"user"`
	DeletedAt time.Time   `json:"deleted_at"`
}

type ReplyPreview struct {
	Id      string      `json:"id"`
	Sender  Participant `json:"sender"`
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content,omitempty"`
	Removed bool        `json:"removed,omitempty"`
}

type Message struct {
	Id                 string        `json:"id"`
	RoomId             string        `json:"room_id"`
	SeqId              int           `json:"seq_id"`
	Sender             Participant   `json:"sender"`
	Kind               MessageKind   `json:"kind"`
	Content            string        `json:"content,omitempty"`
	ImageURL           string        `json:"image_url,omitempty"`
	ReplyTo            *ReplyPreview `json:"reply_to,omitempty"`
	Reactions          []Reaction    `json:"reactions,omitempty"`
	DeliveredTo        []Participant `json:"delivered_to,omitempty"`
	ReadBy             []ReadReceipt `json:"read_by,omitempty"`
	DeletedFor         []Deletion    `json:"deleted_for,omitempty"`
	DeletedForEveryone bool          `json:"deleted_for_everyone,omitempty"`
	DeletedAt          *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

type WallpaperType string

const (
	WallpaperPreset WallpaperType = "preset"
	WallpaperCustom WallpaperType = "custom"
)

type Wallpaper struct {
	Id         string        `json:"id,omitempty"`
	RoomId     string        `json:"room_id"`
	Type       WallpaperType `json:"type"`
	PresetName string        `json:"preset_name,omitempty"`
	URL        string        `json:"url,omitempty"`
	SetBy      *Participant  `json:"set_by,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at,omitempty"`
	IsDefault  bool          `json:"is_default,omitempty"`
}
