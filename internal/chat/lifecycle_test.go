package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/errs"
	"github.com/npezzotti/pawchat/internal/notify"
	"github.com/npezzotti/pawchat/internal/testutil"
	"github.com/npezzotti/pawchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPermits(t *testing.T) {
	all := []Action{
		ActionSend, ActionReact, ActionMarkDelivered, ActionMarkRead,
		ActionDeleteForMe, ActionDeleteForEveryone, ActionSetWallpaper, ActionHistory,
	}

	for _, a := range all {
		assert.True(t, Permits(types.RoomOpen, a), "open room should permit %s", a)
	}

	tcases := []struct {
		action  Action
		allowed bool
	}{
		{ActionSend, false},
		{ActionReact, false},
		{ActionMarkDelivered, true},
		{ActionMarkRead, true},
		{ActionDeleteForMe, true},
		{ActionDeleteForEveryone, false},
		{ActionSetWallpaper, false},
		{ActionHistory, true},
	}

	for _, state := range []types.RoomState{types.RoomClosed, types.RoomBlocked} {
		for _, tc := range tcases {
			t.Run(string(state)+" "+tc.action.String(), func(t *testing.T) {
				assert.Equal(t, tc.allowed, Permits(state, tc.action))
			})
		}
	}

	assert.False(t, Permits(types.RoomState("archived"), ActionHistory))
}

func TestCanJoin(t *testing.T) {
	room := types.Room{Owner: owner, Shelter: shelter, State: types.RoomOpen}
	assert.NoError(t, CanJoin(room, owner))
	assert.NoError(t, CanJoin(room, shelter))
	assert.ErrorIs(t, CanJoin(room, stranger), ErrNotParticipant)

	// ids are only unique within a role
	assert.ErrorIs(t, CanJoin(room, types.Participant{Role: types.RoleOwner, Id: stranger.Id}), ErrNotParticipant)

	room.State = types.RoomBlocked
	assertKind(t, CanJoin(room, owner), errs.Permission)
	assert.NoError(t, CanJoin(room, shelter))

	room.State = types.RoomClosed
	assert.NoError(t, CanJoin(room, owner))
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, owner, "hello")

	room, msg, err := f.svc.Close(ctx, f.room.ExternalId, shelter)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.RoomClosed, room.State)
	assert.Equal(t, types.KindSystem, msg.Kind)
	assert.Equal(t, SystemRoomClosed, msg.Content)
	assert.Equal(t, 2, msg.SeqId)
	assert.Equal(t, 2, room.SeqId)

	// retrying is a no-op
	room, msg, err = f.svc.Close(ctx, f.room.ExternalId, shelter)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, types.RoomClosed, room.State)

	history := f.history(t, shelter)
	require.Len(t, history, 2)
	assert.Equal(t, SystemRoomClosed, history[0].Content)

	events := f.notifier.all()
	require.Len(t, events, 2)
	assert.Equal(t, notify.RoomStateChanged, events[1].Type)
	assert.Equal(t, owner, events[1].Recipient)
	assert.Equal(t, types.RoomClosed, events[1].State)
}

func TestClose_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)

	const n = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		sys   int
		fails int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, msg, err := f.svc.Close(context.Background(), f.room.ExternalId, shelter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails++
			}
			if msg != nil {
				sys++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, fails)
	assert.Equal(t, 1, sys, "expected exactly one transition to win")

	history := f.history(t, shelter)
	require.Len(t, history, 1)
	assert.Equal(t, SystemRoomClosed, history[0].Content)
	assert.Zero(t, f.svc.locks.len(), "room locks should be released")
}

func TestTransition_Rejections(t *testing.T) {
	t.Run("owner cannot close", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Close(context.Background(), f.room.ExternalId, owner)
		assertKind(t, err, errs.Permission)
	})

	t.Run("stranger cannot block", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Block(context.Background(), f.room.ExternalId, stranger)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("unknown room", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Close(context.Background(), "nope", shelter)
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("block after close conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Close(context.Background(), f.room.ExternalId, shelter)
		require.NoError(t, err)

		_, _, err = f.svc.Block(context.Background(), f.room.ExternalId, shelter)
		assertKind(t, err, errs.Conflict)
	})

	t.Run("close after block conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.svc.Block(context.Background(), f.room.ExternalId, shelter)
		require.NoError(t, err)

		_, _, err = f.svc.Close(context.Background(), f.room.ExternalId, shelter)
		assertKind(t, err, errs.Conflict)
	})
}

func TestBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.send(t, owner, "is the dog still available?")

	room, msg, err := f.svc.Block(ctx, f.room.ExternalId, shelter)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, SystemRoomBlocked, msg.Content)
	require.NotNil(t, room.BlockedBy)
	assert.Equal(t, shelter, *room.BlockedBy)

	t.Run("owner send rejected", func(t *testing.T) {
		_, err := f.svc.Append(ctx, AppendParams{RoomId: f.room.ExternalId, Sender: owner, Content: "hello?"})
		assertKind(t, err, errs.Permission)
		assert.Len(t, f.history(t, shelter), 2, "no message should be persisted")
	})

	t.Run("shelter send rejected", func(t *testing.T) {
		_, err := f.svc.Append(ctx, AppendParams{RoomId: f.room.ExternalId, Sender: shelter, Content: "bye"})
		assertKind(t, err, errs.Permission)
	})

	t.Run("owner locked out", func(t *testing.T) {
		_, err := f.svc.JoinableRoom(ctx, f.room.ExternalId, owner)
		assertKind(t, err, errs.Permission)

		_, err = f.svc.History(ctx, f.room.ExternalId, owner, HistoryQuery{})
		assertKind(t, err, errs.Permission)
	})

	t.Run("shelter keeps read access", func(t *testing.T) {
		joined, err := f.svc.JoinableRoom(ctx, f.room.ExternalId, shelter)
		require.NoError(t, err)
		assert.Equal(t, types.RoomBlocked, joined.State)

		_, changed, err := f.svc.MarkRead(ctx, f.room.ExternalId, first.Id, shelter, time.Time{})
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("reactions rejected", func(t *testing.T) {
		_, err := f.svc.React(ctx, f.room.ExternalId, first.Id, shelter, "👍")
		assertKind(t, err, errs.Permission)
	})
}

func TestClosedRoom_AllowsReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, owner, "thanks for everything")

	_, _, err := f.svc.Close(ctx, f.room.ExternalId, shelter)
	require.NoError(t, err)

	_, changed, err := f.svc.MarkDelivered(ctx, f.room.ExternalId, msg.Id, shelter)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = f.svc.Delete(ctx, f.room.ExternalId, msg.Id, owner, ScopeMe)
	assert.NoError(t, err)

	_, err = f.svc.Delete(ctx, f.room.ExternalId, msg.Id, owner, ScopeEveryone)
	assertKind(t, err, errs.Permission)

	_, err = f.svc.SetWallpaper(ctx, WallpaperParams{RoomId: f.room.ExternalId, SetBy: owner, Type: types.WallpaperPreset, PresetName: "sunset"})
	assertKind(t, err, errs.Permission)
}

func TestTransition_LostRace(t *testing.T) {
	repo := &database.MockChatRepository{}
	defer repo.AssertExpectations(t)

	open := database.Room{Id: 1, ExternalId: "abc", OwnerId: owner.Id, ShelterId: shelter.Id, State: types.RoomOpen}
	closed := open
	closed.State = types.RoomClosed
	closed.SeqId = 1

	repo.On("GetRoomByExternalId", mock.Anything, "abc").Return(open, nil).Once()
	repo.On("TransitionRoom", mock.Anything, mock.MatchedBy(func(p database.TransitionParams) bool {
		return p.From == types.RoomOpen && p.To == types.RoomClosed && p.SystemMessage.Kind == types.KindSystem
	})).Return(false, nil).Once()
	repo.On("GetRoomByExternalId", mock.Anything, "abc").Return(closed, nil).Once()

	svc := NewService(testutil.TestLogger(t), repo, nil, nil)
	room, msg, err := svc.Close(context.Background(), "abc", shelter)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, types.RoomClosed, room.State)
}

func TestTransition_RepositoryError(t *testing.T) {
	repo := &database.MockChatRepository{}
	defer repo.AssertExpectations(t)

	open := database.Room{Id: 1, ExternalId: "abc", OwnerId: owner.Id, ShelterId: shelter.Id, State: types.RoomOpen}
	repo.On("GetRoomByExternalId", mock.Anything, "abc").Return(open, nil)
	repo.On("TransitionRoom", mock.Anything, mock.Anything).Return(false, errors.New("deadlock detected"))

	svc := NewService(testutil.TestLogger(t), repo, nil, nil)
	_, _, err := svc.Block(context.Background(), "abc", shelter)
	assertKind(t, err, errs.Internal)
	assert.Equal(t, "internal server error", errs.Reason(err))
}
