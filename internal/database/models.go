package database

import (
	"time"

	"github.com/npezzotti/pawchat/internal/types"
)

type Account struct {
	Id     int
	Role   types.Role
	Email  string
	Active bool
}

type Room struct {
	Id            int
	ExternalId    string
	OwnerId       int
	ShelterId     int
	PetId         int
	State         types.RoomState
	SeqId         int
	LastMessageAt time.Time
	BlockedBy     *types.Participant
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id                 string
	RoomId             int
	SeqId              int
	Sender             types.Participant
	Kind               types.MessageKind
	Content            string
	ImageURL           string
	ReplyToId          string
	DeletedForEveryone bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	Reactions          []Reaction
	Receipts           []Receipt
	Deletions          []Deletion
}

type Reaction struct {
	MessageId string
	Reactor   types.Participant
	Emoji     string
	CreatedAt time.Time
}

type Receipt struct {
	MessageId   string
	Recipient   types.Participant
	DeliveredAt time.Time
	ReadAt      *time.Time
}

type Deletion struct {
	MessageId string
	User      types.Participant
	DeletedAt time.Time
}

type Wallpaper struct {
	Id         string
	RoomId     int
	Type       types.WallpaperType
	PresetName string
	URL        string
	SetBy      types.Participant
	UpdatedAt  time.Time
}

type CreateRoomParams struct {
	ExternalId string
	OwnerId    int
	ShelterId  int
	PetId      int
}

// TransitionParams moves a room from From to To and appends
// SystemMessage in the same unit of work.
type TransitionParams struct {
	RoomId        int
	From          types.RoomState
	To            types.RoomState
	By            types.Participant
	SystemMessage Message
}

// MessageCursor points at the oldest message of a previous page.
type MessageCursor struct {
	CreatedAt time.Time
	Id        string
}
