package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/pawchat/internal/types"
)

const (
	roomColumns = "id, external_id, owner_id, shelter_id, pet_id, state, seq_id, last_message_at, " +
		"blocked_by_role, blocked_by_id, created_at, updated_at"
	messageColumns = "id, room_id, seq_id, sender_role, sender_id, kind, content, image_url, reply_to_id, " +
		"deleted_for_everyone, deleted_at, created_at"
	wallpaperColumns = "id, room_id, type, preset_name, url, set_by_role, set_by_id, updated_at"

	insertMessageQuery = "INSERT INTO messages (" + messageColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"
	updateRoomOnMessageQuery = "UPDATE rooms SET seq_id = $1, last_message_at = $2, updated_at = $2 WHERE id = $3"
)

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func accountTable(role types.Role) (string, error) {
	switch role {
	case types.RoleOwner:
		return "owners", nil
	case types.RoleShelter:
		return "shelters", nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func (db *PgChatRepository) GetAccount(ctx context.Context, role types.Role, id int) (Account, error) {
	table, err := accountTable(role)
	if err != nil {
		return Account{}, err
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, email, active FROM "+table+" WHERE id = $1 LIMIT 1",
		id,
	)

	acct := Account{Role: role}
	if err := row.Scan(&acct.Id, &acct.Email, &acct.Active); err != nil {
		return Account{}, notFound(err)
	}

	return acct, nil
}

func scanRoom(s scanner) (Room, error) {
	var (
		room          Room
		lastMessageAt sql.NullTime
		blockedByRole sql.NullString
		blockedById   sql.NullInt64
	)

	err := s.Scan(
		&room.Id,
		&room.ExternalId,
		&room.OwnerId,
		&room.ShelterId,
		&room.PetId,
		&room.State,
		&room.SeqId,
		&lastMessageAt,
		&blockedByRole,
		&blockedById,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	if lastMessageAt.Valid {
		room.LastMessageAt = lastMessageAt.Time
	}
	if blockedByRole.Valid && blockedById.Valid {
		room.BlockedBy = &types.Participant{
			Role: types.Role(blockedByRole.String),
			Id:   int(blockedById.Int64),
		}
	}

	return room, nil
}

func (db *PgChatRepository) GetOrCreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (external_id, owner_id, shelter_id, pet_id, state, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"ON CONFLICT (owner_id, shelter_id, pet_id) DO NOTHING RETURNING "+roomColumns,
		params.ExternalId,
		params.OwnerId,
		params.ShelterId,
		params.PetId,
		types.RoomOpen,
		now,
	)

	room, err := scanRoom(row)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Room{}, false, fmt.Errorf("insert room: %w", err)
	}

	row = db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE owner_id = $1 AND shelter_id = $2 AND pet_id = $3",
		params.OwnerId,
		params.ShelterId,
		params.PetId,
	)

	room, err = scanRoom(row)
	if err != nil {
		return Room{}, false, fmt.Errorf("select room: %w", notFound(err))
	}

	return room, false, nil
}

func (db *PgChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	room, err := scanRoom(row)
	if err != nil {
		return Room{}, notFound(err)
	}

	return room, nil
}

func (db *PgChatRepository) ListRoomsForParticipant(ctx context.Context, p types.Participant) ([]Room, error) {
	column := "owner_id"
	if p.Role == types.RoleShelter {
		column = "shelter_id"
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE "+column+" = $1 "+
			"ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC",
		p.Id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) TransitionRoom(ctx context.Context, params TransitionParams) (applied bool, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !applied {
			tx.Rollback()
		}
	}()

	var blockedByRole sql.NullString
	var blockedById sql.NullInt64
	if params.To == types.RoomBlocked {
		blockedByRole = sql.NullString{String: string(params.By.Role), Valid: true}
		blockedById = sql.NullInt64{Int64: int64(params.By.Id), Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET state = $2, blocked_by_role = $3, blocked_by_id = $4, updated_at = $5 "+
			"WHERE id = $1 AND state = $6",
		params.RoomId,
		params.To,
		blockedByRole,
		blockedById,
		params.SystemMessage.CreatedAt,
		params.From,
	)
	if err != nil {
		return false, fmt.Errorf("update room state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err = insertMessage(ctx, tx, params.SystemMessage); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}

	return true, nil
}

func insertMessage(ctx context.Context, ex execer, msg Message) error {
	var replyTo sql.NullString
	if msg.ReplyToId != "" {
		replyTo = sql.NullString{String: msg.ReplyToId, Valid: true}
	}

	_, err := ex.ExecContext(ctx, insertMessageQuery,
		msg.Id,
		msg.RoomId,
		msg.SeqId,
		msg.Sender.Role,
		msg.Sender.Id,
		msg.Kind,
		msg.Content,
		msg.ImageURL,
		replyTo,
		msg.DeletedForEveryone,
		msg.DeletedAt,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = ex.ExecContext(ctx, updateRoomOnMessageQuery, msg.SeqId, msg.CreatedAt, msg.RoomId)
	if err != nil {
		return fmt.Errorf("update room on message: %w", err)
	}

	return nil
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	return tx.Commit()
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg       Message
		replyTo   sql.NullString
		deletedAt sql.NullTime
	)

	err := s.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SeqId,
		&msg.Sender.Role,
		&msg.Sender.Id,
		&msg.Kind,
		&msg.Content,
		&msg.ImageURL,
		&replyTo,
		&msg.DeletedForEveryone,
		&deletedAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	msg.ReplyToId = replyTo.String
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1",
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, notFound(err)
	}

	msgs := []Message{msg}
	if err := db.loadMessageState(ctx, msgs); err != nil {
		return Message{}, err
	}

	return msgs[0], nil
}

func (db *PgChatRepository) GetMessages(ctx context.Context, roomId int, before *MessageCursor, limit int) ([]Message, error) {
	var (
		beforeAt sql.NullTime
		beforeId string
	)
	if before != nil {
		beforeAt = sql.NullTime{Time: before.CreatedAt, Valid: true}
		beforeId = before.Id
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE room_id = $1 AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3)) "+
			"ORDER BY created_at DESC, id DESC LIMIT $4",
		roomId,
		beforeAt,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.loadMessageState(ctx, messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// loadMessageState fills reactions, receipts and deletions for msgs.
func (db *PgChatRepository) loadMessageState(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Id
		index[m.Id] = i
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, reactor_role, reactor_id, emoji, created_at FROM message_reactions "+
			"WHERE message_id = ANY($1) ORDER BY created_at, reactor_role, reactor_id",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("select reactions: %w", err)
	}
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageId, &r.Reactor.Role, &r.Reactor.Id, &r.Emoji, &r.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan reaction: %w", err)
		}
		i := index[r.MessageId]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	rows.Close()

	rows, err = db.conn.QueryContext(ctx,
		"SELECT message_id, recipient_role, recipient_id, delivered_at, read_at FROM message_receipts "+
			"WHERE message_id = ANY($1) ORDER BY delivered_at, recipient_role, recipient_id",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("select receipts: %w", err)
	}
	for rows.Next() {
		var (
			r      Receipt
			readAt sql.NullTime
		)
		if err := rows.Scan(&r.MessageId, &r.Recipient.Role, &r.Recipient.Id, &r.DeliveredAt, &readAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan receipt: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			r.ReadAt = &t
		}
		i := index[r.MessageId]
		msgs[i].Receipts = append(msgs[i].Receipts, r)
	}
	rows.Close()

	rows, err = db.conn.QueryContext(ctx,
		"SELECT message_id, user_role, user_id, deleted_at FROM message_deletions "+
			"WHERE message_id = ANY($1) ORDER BY deleted_at, user_role, user_id",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("select deletions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d Deletion
		if err := rows.Scan(&d.MessageId, &d.User.Role, &d.User.Id, &d.DeletedAt); err != nil {
			return fmt.Errorf("scan deletion: %w", err)
		}
		i := index[d.MessageId]
		msgs[i].Deletions = append(msgs[i].Deletions, d)
	}

	return rows.Err()
}

func (db *PgChatRepository) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reactions (message_id, reactor_role, reactor_id, emoji, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (message_id, reactor_role, reactor_id) "+
			"DO UPDATE SET emoji = EXCLUDED.emoji, created_at = EXCLUDED.created_at",
		r.MessageId,
		r.Reactor.Role,
		r.Reactor.Id,
		r.Emoji,
		r.CreatedAt,
	)

	return err
}

// UpsertReceipt keeps the first recorded delivered_at and read_at.
func (db *PgChatRepository) UpsertReceipt(ctx context.Context, r Receipt) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_receipts (message_id, recipient_role, recipient_id, delivered_at, read_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (message_id, recipient_role, recipient_id) DO UPDATE SET "+
			"delivered_at = message_receipts.delivered_at, "+
			"read_at = COALESCE(message_receipts.read_at, EXCLUDED.read_at)",
		r.MessageId,
		r.Recipient.Role,
		r.Recipient.Id,
		r.DeliveredAt,
		r.ReadAt,
	)

	return err
}

func (db *PgChatRepository) CreateDeletion(ctx context.Context, d Deletion) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_deletions (message_id, user_role, user_id, deleted_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
		d.MessageId,
		d.User.Role,
		d.User.Id,
		d.DeletedAt,
	)

	return err
}

func (db *PgChatRepository) DeleteForEveryone(ctx context.Context, messageId string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET deleted_for_everyone = TRUE, deleted_at = $2 "+
			"WHERE id = $1 AND NOT deleted_for_everyone",
		messageId,
		at,
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		err := db.conn.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", messageId).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}

	return nil
}

func scanWallpaper(s scanner) (Wallpaper, error) {
	var w Wallpaper
	err := s.Scan(
		&w.Id,
		&w.RoomId,
		&w.Type,
		&w.PresetName,
		&w.URL,
		&w.SetBy.Role,
		&w.SetBy.Id,
		&w.UpdatedAt,
	)

	return w, err
}

func (db *PgChatRepository) GetWallpaper(ctx context.Context, roomId int) (Wallpaper, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+wallpaperColumns+" FROM wallpapers WHERE room_id = $1",
		roomId,
	)

	w, err := scanWallpaper(row)
	if err != nil {
		return Wallpaper{}, notFound(err)
	}

	return w, nil
}

func (db *PgChatRepository) UpsertWallpaper(ctx context.Context, w Wallpaper) (Wallpaper, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO wallpapers ("+wallpaperColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"ON CONFLICT (room_id) DO UPDATE SET type = EXCLUDED.type, preset_name = EXCLUDED.preset_name, "+
			"url = EXCLUDED.url, set_by_role = EXCLUDED.set_by_role, set_by_id = EXCLUDED.set_by_id, "+
			"updated_at = EXCLUDED.updated_at RETURNING "+wallpaperColumns,
		w.Id,
		w.RoomId,
		w.Type,
		w.PresetName,
		w.URL,
		w.SetBy.Role,
		w.SetBy.Id,
		w.UpdatedAt,
	)

	return scanWallpaper(row)
}
