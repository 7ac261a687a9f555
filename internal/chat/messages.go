package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/notify"
	"github.com/npezzotti/pawchat/internal/types"
)

const (
	MaxContentLength = 4000
	MaxEmojiBytes    = 32

	DefaultHistoryLimit = 30
	MaxHistoryLimit     = 100

	RemovedPlaceholder = "message removed"
)

type DeleteScope string

const (
	ScopeMe       DeleteScope = "me"
	ScopeEveryone DeleteScope = "everyone"
)

type AppendParams struct {
	RoomId   string
	Sender   types.Participant
	Kind     types.MessageKind
	Content  string
	ImageURL string
	ReplyTo  string
}

func (p *AppendParams) validate() error {
	switch p.Kind {
	case "":
		p.Kind = types.KindText
		return p.validate()
	case types.KindText:
		if strings.TrimSpace(p.Content) == "" {
			return errs.Invalid("message content required")
		}
		if p.ImageURL != "" {
			return errs.Invalid("image url is only allowed on image messages")
		}
	case types.KindImage:
		if strings.TrimSpace(p.ImageURL) == "" {
			return errs.Invalid("image url required")
		}
	case types.KindSystem:
		return errs.Forbidden("system messages cannot be sent by participants")
	default:
		return errs.Invalid(fmt.Sprintf("unknown message kind %q", p.Kind))
	}

	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return errs.Invalid(fmt.Sprintf("message content exceeds %d characters", MaxContentLength))
	}

	return nil
}

// validEmoji accepts a single short emoji-like token. Plain ASCII words
// are rejected.
func validEmoji(emoji string) bool {
	if emoji == "" || len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) {
		return false
	}

	nonASCII := false
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
		if r > unicode.MaxASCII {
			nonASCII = true
		}
	}

	return nonASCII
}

// Append persists a new message. Sequence id and timestamp are assigned
// under the room lock so both are strictly increasing per room.
func (s *Service) Append(ctx context.Context, params AppendParams) (types.Message, error) {
	if err := params.validate(); err != nil {
		return types.Message{}, err
	}

	unlock := s.locks.lock(params.RoomId)
	defer unlock()

	dbRoom, err := s.loadRoom(ctx, params.RoomId)
	if err != nil {
		return types.Message{}, err
	}

	room := toRoom(dbRoom)
	if err := authorize(room, params.Sender, ActionSend); err != nil {
		return types.Message{}, err
	}

	var reply *database.Message
	if params.ReplyTo != "" {
		target, err := s.loadMessage(ctx, dbRoom, params.ReplyTo)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return types.Message{}, errs.Missing("reply target not found")
			}
			return types.Message{}, err
		}
		reply = &target
	}

	msg := database.Message{
		Id:        s.newId(),
		RoomId:    dbRoom.Id,
		SeqId:     dbRoom.SeqId + 1,
		Sender:    params.Sender,
		Kind:      params.Kind,
		Content:   params.Content,
		ImageURL:  params.ImageURL,
		ReplyToId: params.ReplyTo,
		CreatedAt: s.nextTimestamp(dbRoom),
	}

	if err := s.db.CreateMessage(ctx, msg); err != nil {
		return types.Message{}, errs.Wrap(errs.Internal, "save message", err)
	}

	s.typing.Clear(params.RoomId, params.Sender)

	s.notify(notify.Event{
		Type:      notify.MessageCreated,
		RoomId:    room.ExternalId,
		MessageId: msg.Id,
		Recipient: room.Counterpart(params.Sender),
		At:        msg.CreatedAt,
	})

	return s.present(room, msg, reply, types.Participant{}), nil
}

// React sets the reactor's single reaction on a message, replacing any
// previous one.
func (s *Service) React(ctx context.Context, roomId, messageId string, reactor types.Participant, emoji string) (types.Message, error) {
	if !validEmoji(emoji) {
		return types.Message{}, errs.Invalid("malformed reaction emoji")
	}

	return s.mutate(ctx, roomId, messageId, reactor, ActionReact, func(room types.Room, msg database.Message) (bool, error) {
		if msg.DeletedForEveryone {
			return false, ErrMessageUnavailable
		}

		for _, r := range msg.Reactions {
			if r.Reactor == reactor && r.Emoji == emoji {
				return false, nil
			}
		}

		err := s.db.UpsertReaction(ctx, database.Reaction{
			MessageId: msg.Id,
			Reactor:   reactor,
			Emoji:     emoji,
			CreatedAt: s.now(),
		})
		return true, err
	})
}

// MarkDelivered records that recipient's client received the message. The
// returned bool reports whether anything changed.
func (s *Service) MarkDelivered(ctx context.Context, roomId, messageId string, recipient types.Participant) (types.Message, bool, error) {
	var changed bool
	msg, err := s.mutate(ctx, roomId, messageId, recipient, ActionMarkDelivered, func(room types.Room, msg database.Message) (bool, error) {
		if msg.DeletedForEveryone {
			return false, ErrMessageUnavailable
		}
		if msg.Sender == recipient {
			return false, nil
		}
		if receiptFor(msg, recipient) != nil {
			return false, nil
		}

		changed = true
		return true, s.db.UpsertReceipt(ctx, database.Receipt{
			MessageId:   msg.Id,
			Recipient:   recipient,
			DeliveredAt: s.now(),
		})
	})

	return msg, changed, err
}

// MarkRead records that recipient viewed the message, implying delivery.
// The first recorded read time is kept; at is clamped to now and a zero
// value means now.
func (s *Service) MarkRead(ctx context.Context, roomId, messageId string, recipient types.Participant, at time.Time) (types.Message, bool, error) {
	now := s.now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC().Round(time.Millisecond)

	var changed bool
	msg, err := s.mutate(ctx, roomId, messageId, recipient, ActionMarkRead, func(room types.Room, msg database.Message) (bool, error) {
		if msg.DeletedForEveryone {
			return false, ErrMessageUnavailable
		}
		if msg.Sender == recipient {
			return false, nil
		}

		receipt := database.Receipt{
			MessageId:   msg.Id,
			Recipient:   recipient,
			DeliveredAt: at,
			ReadAt:      &at,
		}
		if cur := receiptFor(msg, recipient); cur != nil {
			if cur.ReadAt != nil {
				return false, nil
			}
			receipt.DeliveredAt = cur.DeliveredAt
		}

		changed = true
		return true, s.db.UpsertReceipt(ctx, receipt)
	})

	return msg, changed, err
}

func (s *Service) Delete(ctx context.Context, roomId, messageId string, requester types.Participant, scope DeleteScope) (types.Message, error) {
	switch scope {
	case ScopeMe:
		return s.mutate(ctx, roomId, messageId, requester, ActionDeleteForMe, func(room types.Room, msg database.Message) (bool, error) {
			for _, d := range msg.Deletions {
				if d.User == requester {
					return false, nil
				}
			}

			return true, s.db.CreateDeletion(ctx, database.Deletion{
				MessageId: msg.Id,
				User:      requester,
				DeletedAt: s.now(),
			})
		})
	case ScopeEveryone:
		return s.mutate(ctx, roomId, messageId, requester, ActionDeleteForEveryone, func(room types.Room, msg database.Message) (bool, error) {
			if msg.Sender != requester || msg.Kind == types.KindSystem {
				return false, errs.Forbidden("only the sender can delete a message for everyone")
			}
			if msg.DeletedForEveryone {
				return false, nil
			}

			return true, s.db.DeleteForEveryone(ctx, msg.Id, s.now())
		})
	default:
		return types.Message{}, errs.Invalid(fmt.Sprintf("unknown delete scope %q", scope))
	}
}

type mutation func(room types.Room, msg database.Message) (bool, error)

// mutate runs fn against the current state of a message under the room
// lock and returns the message as the actor now sees it.
func (s *Service) mutate(ctx context.Context, roomId, messageId string, actor types.Participant, action Action, fn mutation) (types.Message, error) {
	unlock := s.locks.lock(roomId)
	defer unlock()

	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Message{}, err
	}

	room := toRoom(dbRoom)
	if err := authorize(room, actor, action); err != nil {
		return types.Message{}, err
	}

	msg, err := s.loadMessage(ctx, dbRoom, messageId)
	if err != nil {
		return types.Message{}, err
	}

	written, err := fn(room, msg)
	if err != nil {
		if errs.KindOf(err) == errs.Internal {
			return types.Message{}, errs.Wrap(errs.Internal, fmt.Sprintf("%s failed", action), err)
		}
		return types.Message{}, err
	}

	if written {
		if msg, err = s.loadMessage(ctx, dbRoom, messageId); err != nil {
			return types.Message{}, err
		}
	}

	reply, err := s.replyTarget(ctx, msg, nil)
	if err != nil {
		return types.Message{}, err
	}

	return s.present(room, msg, reply, actor), nil
}

func receiptFor(msg database.Message, p types.Participant) *database.Receipt {
	for i := range msg.Receipts {
		if msg.Receipts[i].Recipient == p {
			return &msg.Receipts[i]
		}
	}
	return nil
}

type HistoryQuery struct {
	// Before is the id of the oldest message of the previous page.
	Before string
	Limit  int
}

type HistoryPage struct {
	Messages []types.Message `json:"messages"`
	// NextBefore is empty once the start of the conversation is reached.
	NextBefore string `json:"next_before,omitempty"`
}

// History returns a page of messages newest first. Messages the viewer
// deleted for themselves are left out.
func (s *Service) History(ctx context.Context, roomId string, viewer types.Participant, q HistoryQuery) (HistoryPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return HistoryPage{}, err
	}

	room := toRoom(dbRoom)
	if err := authorize(room, viewer, ActionHistory); err != nil {
		return HistoryPage{}, err
	}

	var cursor *database.MessageCursor
	if q.Before != "" {
		anchor, err := s.loadMessage(ctx, dbRoom, q.Before)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return HistoryPage{}, errs.Invalid("unknown history cursor")
			}
			return HistoryPage{}, err
		}
		cursor = &database.MessageCursor{CreatedAt: anchor.CreatedAt, Id: anchor.Id}
	}

	page := HistoryPage{Messages: make([]types.Message, 0, limit)}
	seen := make(map[string]*database.Message)
	// one row past the page tells whether an older page exists
	batchSize := limit + 1
	for {
		batch, err := s.db.GetMessages(ctx, dbRoom.Id, cursor, batchSize)
		if err != nil {
			return HistoryPage{}, errs.Wrap(errs.Internal, "load history", err)
		}

		for i := range batch {
			msg := batch[i]
			seen[msg.Id] = &msg
			cursor = &database.MessageCursor{CreatedAt: msg.CreatedAt, Id: msg.Id}

			if deletedFor(msg, viewer) {
				continue
			}

			if len(page.Messages) == limit {
				page.NextBefore = page.Messages[limit-1].Id
				return page, nil
			}

			reply, err := s.replyTarget(ctx, msg, seen)
			if err != nil {
				return HistoryPage{}, err
			}

			page.Messages = append(page.Messages, s.present(room, msg, reply, viewer))
		}

		if len(batch) < batchSize {
			return page, nil
		}
	}
}

func deletedFor(msg database.Message, p types.Participant) bool {
	for _, d := range msg.Deletions {
		if d.User == p {
			return true
		}
	}
	return false
}

// Get returns a single message as viewer sees it.
func (s *Service) Get(ctx context.Context, roomId, messageId string, viewer types.Participant) (types.Message, error) {
	dbRoom, err := s.loadRoom(ctx, roomId)
	if err != nil {
		return types.Message{}, err
	}

	room := toRoom(dbRoom)
	if err := authorize(room, viewer, ActionHistory); err != nil {
		return types.Message{}, err
	}

	msg, err := s.loadMessage(ctx, dbRoom, messageId)
	if err != nil {
		return types.Message{}, err
	}

	reply, err := s.replyTarget(ctx, msg, nil)
	if err != nil {
		return types.Message{}, err
	}

	return s.present(room, msg, reply, viewer), nil
}

// replyTarget resolves the message msg replies to, consulting cache first.
// A target that vanished from storage resolves to nil.
func (s *Service) replyTarget(ctx context.Context, msg database.Message, cache map[string]*database.Message) (*database.Message, error) {
	if msg.ReplyToId == "" {
		return nil, nil
	}
	if target, ok := cache[msg.ReplyToId]; ok {
		return target, nil
	}

	target, err := s.db.GetMessage(ctx, msg.ReplyToId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Internal, "load reply target", err)
	}
	if cache != nil {
		cache[target.Id] = &target
	}

	return &target, nil
}

// present converts a stored message to its wire form. Content deleted for
// everyone is redacted here so it never leaves the process. Only the
// viewer's own deletion entry is exposed.
func (s *Service) present(room types.Room, msg database.Message, reply *database.Message, viewer types.Participant) types.Message {
	out := types.Message{
		Id:                 msg.Id,
		RoomId:             room.ExternalId,
		SeqId:              msg.SeqId,
		Sender:             msg.Sender,
		Kind:               msg.Kind,
		Content:            msg.Content,
		ImageURL:           msg.ImageURL,
		DeletedForEveryone: msg.DeletedForEveryone,
		CreatedAt:          msg.CreatedAt,
	}

	if msg.DeletedForEveryone {
		out.Content = ""
		out.ImageURL = ""
		if msg.DeletedAt != nil {
			at := *msg.DeletedAt
			out.DeletedAt = &at
		}
	} else {
		for _, r := range msg.Reactions {
			out.Reactions = append(out.Reactions, types.Reaction{
				Reactor:   r.Reactor,
				Emoji:     r.Emoji,
				ReactedAt: r.CreatedAt,
			})
		}
	}

	for _, r := range msg.Receipts {
		out.DeliveredTo = append(out.DeliveredTo, r.Recipient)
		if r.ReadAt != nil {
			out.ReadBy = append(out.ReadBy, types.ReadReceipt{Reader: r.Recipient, ReadAt: *r.ReadAt})
		}
	}

	if !viewer.IsZero() {
		for _, d := range msg.Deletions {
			if d.User == viewer {
				out.DeletedFor = append(out.DeletedFor, types.Deletion{User: d.User, DeletedAt: d.DeletedAt})
			}
		}
	}

	if msg.ReplyToId != "" {
		out.ReplyTo = &types.ReplyPreview{Id: msg.ReplyToId, Content: RemovedPlaceholder, Removed: true}
		if reply != nil {
			out.ReplyTo.Sender = reply.Sender
			out.ReplyTo.Kind = reply.Kind
			if !reply.DeletedForEveryone {
				out.ReplyTo.Content = reply.Content
				out.ReplyTo.Removed = false
			}
		}
	}

	return out
}
