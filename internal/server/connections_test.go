package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func requestMsg(id, to int) *ClientMessage {
	return &ClientMessage{
		BaseMessage:       BaseMessage{Id: id},
		ConnectionRequest: &ConnectionRequest{ToUserId: to, RoomId: types.RoomId(5, to), Message: "see you in Lisbon"},
	}
}

func TestSendRequest_offlineRecipient(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	cs, clock := newTestChatServer(t, db)
	sender := bindTestClient(cs, 5)
	expiresAt := clock.Now().Add(cs.tun.RequestExpiry)

	db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
	db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()
	db.On("UpsertAttempt", mock.Anything, 5, 9, "room_5_9").Return(nil).Once()
	db.On("CreateOfflineNotification", mock.Anything, 9, NotificationConnectionRequest, mock.MatchedBy(func(payload []byte) bool {
		var ev ConnectionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false
		}
		return ev.FromUserId == 5 && ev.ToUserId == 9 && ev.RoomId == "room_5_9" && ev.Message == "see you in Lisbon"
	})).Return(int64(31), nil).Once()
	db.On("SetAttemptExpiry", mock.Anything, 5, 9, expiresAt).Return(nil).Once()

	cs.sendRequest(sender, requestMsg(1, 9))

	resp := lastResponse(t, drain(sender))
	assert.Equal(t, http.StatusOK, resp.ResponseCode)
	sent, ok := resp.Data.(ConnectionRequestSent)
	assert.True(t, ok, "expected ConnectionRequestSent ack")
	assert.True(t, sent.Success, "expected request to succeed")
	assert.True(t, sent.Offline, "expected offline delivery")
	assert.False(t, sent.Duplicate)
	assert.Equal(t, "room_5_9", sent.RoomId)
	assert.Equal(t, expiresAt, *sent.ExpiresAt)
}

func TestSendRequest_liveRecipient(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	cs, clock := newTestChatServer(t, db)
	sender := bindTestClient(cs, 5)
	recipient := bindTestClient(cs, 9)

	db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
	db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()
	db.On("UpsertAttempt", mock.Anything, 5, 9, "room_5_9").Return(nil).Once()
	db.On("SetAttemptExpiry", mock.Anything, 5, 9, clock.Now().Add(cs.tun.RequestExpiry)).Return(nil).Once()

	cs.sendRequest(sender, requestMsg(1, 9))

	sent := lastResponse(t, drain(sender)).Data.(ConnectionRequestSent)
	assert.True(t, sent.Success)
	assert.False(t, sent.Offline, "expected live delivery")

	notes := notifications(drain(recipient))
	if assert.Len(t, notes, 1) && assert.NotNil(t, notes[0].ConnectionRequested) {
		ev := notes[0].ConnectionRequested
		assert.Equal(t, 5, ev.FromUserId)
		assert.Equal(t, "User 5", ev.FromUserName)
		assert.Equal(t, "room_5_9", ev.RoomId)
		assert.False(t, ev.Offline)
	}
	db.AssertNotCalled(t, "CreateOfflineNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendRequest_duplicates(t *testing.T) {
	t.Run("pending attempt inside window", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, clock := newTestChatServer(t, db)
		sender := bindTestClient(cs, 5)
		expiresAt := clock.Now().Add(7 * time.Minute)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
			FromUserId: 5,
			ToUserId:   9,
			RoomId:     "room_5_9",
			Status:     database.AttemptPending,
			CreatedAt:  clock.Now().Add(-3 * time.Minute),
			ExpiresAt:  &expiresAt,
		}, nil).Once()

		cs.sendRequest(sender, requestMsg(1, 9))

		sent := lastResponse(t, drain(sender)).Data.(ConnectionRequestSent)
		assert.True(t, sent.Duplicate, "expected duplicate")
		assert.False(t, sent.Success)
		assert.Equal(t, &expiresAt, sent.ExpiresAt)
		db.AssertNotCalled(t, "UpsertAttempt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cooldown before the attempt is stored", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, clock := newTestChatServer(t, db)
		sender := bindTestClient(cs, 5)
		cs.cooldowns.mark(5, 9, clock.Now().Add(-2*time.Second), cs.tun.RequestCooldown)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()

		cs.sendRequest(sender, requestMsg(1, 9))

		sent := lastResponse(t, drain(sender)).Data.(ConnectionRequestSent)
		assert.True(t, sent.Duplicate, "expected duplicate from cooldown")
	})

	t.Run("already connected", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, _ := newTestChatServer(t, db)
		sender := bindTestClient(cs, 5)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{
			User1Id: 5, User2Id: 9, Status: database.ConnectionStatusConnected, RoomId: "room_5_9",
		}, nil).Once()

		cs.sendRequest(sender, requestMsg(1, 9))
		assert.Equal(t, http.StatusConflict, lastResponse(t, drain(sender)).ResponseCode)
	})
}

func TestSendRequest_resendAfterExpiry(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	cs, clock := newTestChatServer(t, db)
	sender := bindTestClient(cs, 5)
	expired := clock.Now().Add(-time.Second)

	db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
	db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
		FromUserId: 5,
		ToUserId:   9,
		RoomId:     "room_5_9",
		Status:     database.AttemptPending,
		CreatedAt:  clock.Now().Add(-2 * time.Minute),
		ExpiresAt:  &expired,
	}, nil).Once()
	db.On("SetAttemptStatus", mock.Anything, 5, 9, database.AttemptExpired).Return(nil).Once()
	db.On("UpsertAttempt", mock.Anything, 5, 9, "room_5_9").Return(nil).Once()
	db.On("CreateOfflineNotification", mock.Anything, 9, NotificationConnectionRequest, mock.Anything).Return(int64(1), nil).Once()
	db.On("SetAttemptExpiry", mock.Anything, 5, 9, mock.Anything).Return(nil).Once()

	cs.sendRequest(sender, requestMsg(1, 9))

	sent := lastResponse(t, drain(sender)).Data.(ConnectionRequestSent)
	assert.True(t, sent.Success, "expected resend to be accepted")
	assert.False(t, sent.Duplicate)
}

func TestSendRequest_queueFailure(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	cs, _ := newTestChatServer(t, db)
	sender := bindTestClient(cs, 5)

	db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
	db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()
	db.On("UpsertAttempt", mock.Anything, 5, 9, "room_5_9").Return(nil).Once()
	db.On("CreateOfflineNotification", mock.Anything, 9, NotificationConnectionRequest, mock.Anything).Return(int64(0), errors.New("disk full")).Once()
	db.On("SetAttemptExpiry", mock.Anything, 5, 9, mock.Anything).Return(nil).Once()

	cs.sendRequest(sender, requestMsg(1, 9))

	sent := lastResponse(t, drain(sender)).Data.(ConnectionRequestSent)
	assert.False(t, sent.Success, "expected failure to be reported")
	assert.True(t, sent.Offline)
}

func TestAcceptRequest(t *testing.T) {
	t.Run("connects the pair and notifies the requester", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, clock := newTestChatServer(t, db)
		requester := bindTestClient(cs, 5)
		recipient := bindTestClient(cs, 9)
		expiresAt := clock.Now().Add(5 * time.Minute)

		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
			FromUserId: 5, ToUserId: 9, RoomId: "room_5_9", Status: database.AttemptPending,
			CreatedAt: clock.Now().Add(-5 * time.Minute), ExpiresAt: &expiresAt,
		}, nil).Once()
		db.On("SetAttemptStatus", mock.Anything, 5, 9, database.AttemptAccepted).Return(nil).Once()
		db.On("UpsertConnection", mock.Anything, 5, 9, database.ConnectionStatusConnected, "room_5_9").Return(nil).Once()
		db.On("UpsertChatRoom", mock.Anything, "room_5_9", "Chat room_5_9").Return(nil).Once()
		db.On("AddRoomParticipants", mock.Anything, "room_5_9", []int{5, 9}).Return(nil).Once()

		cs.acceptRequest(recipient, &ClientMessage{
			BaseMessage:      BaseMessage{Id: 4},
			ConnectionAccept: &ConnectionReply{FromUserId: 5, RoomId: "room_5_9"},
		})

		resp := lastResponse(t, drain(recipient))
		assert.Equal(t, http.StatusOK, resp.ResponseCode)
		assert.Equal(t, types.ConnectionStatus{Status: types.StateConnected, RoomId: "room_5_9"}, resp.Data)

		notes := notifications(drain(requester))
		if assert.Len(t, notes, 1) {
			assert.Equal(t, 9, notes[0].ConnectionAccepted.FromUserId, "expected accepted event from the recipient")
			assert.Equal(t, types.StateConnected, notes[0].ConnectionStatus.Status)
		}
	})

	t.Run("no pending request", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, _ := newTestChatServer(t, db)
		recipient := bindTestClient(cs, 9)

		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()

		cs.acceptRequest(recipient, &ClientMessage{ConnectionAccept: &ConnectionReply{FromUserId: 5}})
		assert.Equal(t, http.StatusNotFound, lastResponse(t, drain(recipient)).ResponseCode)
	})

	t.Run("expired request", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, clock := newTestChatServer(t, db)
		recipient := bindTestClient(cs, 9)
		expiresAt := clock.Now().Add(-time.Minute)

		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
			FromUserId: 5, ToUserId: 9, RoomId: "room_5_9", Status: database.AttemptPending, ExpiresAt: &expiresAt,
		}, nil).Once()
		db.On("SetAttemptStatus", mock.Anything, 5, 9, database.AttemptExpired).Return(nil).Once()

		cs.acceptRequest(recipient, &ClientMessage{ConnectionAccept: &ConnectionReply{FromUserId: 5}})
		assert.Equal(t, http.StatusConflict, lastResponse(t, drain(recipient)).ResponseCode)
	})

	t.Run("mismatched room id", func(t *testing.T) {
		cs, _ := newTestChatServer(t, &database.MockRepository{})
		recipient := bindTestClient(cs, 9)

		cs.acceptRequest(recipient, &ClientMessage{ConnectionAccept: &ConnectionReply{FromUserId: 5, RoomId: "room_5_10"}})
		assert.Equal(t, http.StatusBadRequest, lastResponse(t, drain(recipient)).ResponseCode)
	})
}

func TestRejectRequest(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	cs, clock := newTestChatServer(t, db)
	requester := bindTestClient(cs, 5)
	recipient := bindTestClient(cs, 9)
	expiresAt := clock.Now().Add(time.Minute)

	db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
		FromUserId: 5, ToUserId: 9, RoomId: "room_5_9", Status: database.AttemptPending, ExpiresAt: &expiresAt,
	}, nil).Once()
	db.On("SetAttemptStatus", mock.Anything, 5, 9, database.AttemptRejected).Return(nil).Once()

	cs.rejectRequest(recipient, &ClientMessage{ConnectionReject: &ConnectionReply{FromUserId: 5, RoomId: "room_5_9"}})

	resp := lastResponse(t, drain(recipient))
	assert.Equal(t, types.StateRejected, resp.Data.(types.ConnectionStatus).Status)

	notes := notifications(drain(requester))
	if assert.Len(t, notes, 1) {
		assert.NotNil(t, notes[0].ConnectionRejected, "expected rejection event")
		assert.Nil(t, notes[0].ConnectionAccepted)
	}
	db.AssertNotCalled(t, "UpsertConnection", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTeardown(t *testing.T) {
	t.Run("live peer", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, _ := newTestChatServer(t, db)
		me := bindTestClient(cs, 5)
		peer := bindTestClient(cs, 9)
		cs.rooms.Join("room_5_9", 5)
		cs.rooms.Join("room_5_9", 9)

		db.On("DeleteConnection", mock.Anything, 5, 9).Return(nil).Once()

		cs.teardown(me, &ClientMessage{ConnectionTeardown: &ConnectionTeardown{ToUserId: 9}})

		resp := lastResponse(t, drain(me))
		assert.Equal(t, types.StateNone, resp.Data.(types.ConnectionStatus).Status)
		assert.Empty(t, cs.rooms.MembersOf("room_5_9"), "expected the pair to leave their room")

		var disconnected *Notification
		for _, n := range notifications(drain(peer)) {
			if n.ConnectionDisconnected != nil {
				disconnected = n
			}
		}
		if assert.NotNil(t, disconnected, "expected disconnect event") {
			assert.Equal(t, 5, disconnected.ConnectionDisconnected.FromUserId)
			assert.Equal(t, types.StateNone, disconnected.ConnectionStatus.Status)
		}
	})

	t.Run("offline peer is queued", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, _ := newTestChatServer(t, db)
		me := bindTestClient(cs, 5)

		db.On("DeleteConnection", mock.Anything, 5, 9).Return(nil).Once()
		db.On("CreateOfflineNotification", mock.Anything, 9, NotificationConnectionDisconnected, mock.Anything).Return(int64(3), nil).Once()

		cs.teardown(me, &ClientMessage{ConnectionTeardown: &ConnectionTeardown{ToUserId: 9}})
		assert.Equal(t, http.StatusOK, lastResponse(t, drain(me)).ResponseCode)
	})

	t.Run("no connection", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)

		cs, _ := newTestChatServer(t, db)
		me := bindTestClient(cs, 5)
		peer := bindTestClient(cs, 9)
		cs.rooms.Join("room_5_9", 5)

		db.On("DeleteConnection", mock.Anything, 5, 9).Return(database.ErrNotFound).Times(3)

		for i := 1; i <= 3; i++ {
			cs.teardown(me, &ClientMessage{
				BaseMessage:        BaseMessage{Id: i},
				ConnectionTeardown: &ConnectionTeardown{ToUserId: 9},
			})
			assert.Equal(t, http.StatusNotFound, lastResponse(t, drain(me)).ResponseCode)
		}

		assert.Empty(t, drain(peer), "expected the peer to hear nothing")
		assert.True(t, cs.rooms.IsMember("room_5_9", 5), "expected memberships untouched")
		db.AssertNotCalled(t, "CreateOfflineNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestConnectionStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("connected either way", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		cs, _ := newTestChatServer(t, db)

		conn := database.Connection{User1Id: 5, User2Id: 9, Status: database.ConnectionStatusConnected, RoomId: "room_5_9"}
		db.On("GetConnection", mock.Anything, 5, 9).Return(conn, nil).Once()
		db.On("GetConnection", mock.Anything, 9, 5).Return(conn, nil).Once()

		ab, err := cs.ConnectionStatus(ctx, 5, 9)
		assert.NoError(t, err)
		ba, err := cs.ConnectionStatus(ctx, 9, 5)
		assert.NoError(t, err)
		assert.Equal(t, types.ConnectionStatus{Status: types.StateConnected, RoomId: "room_5_9"}, ab)
		assert.Equal(t, ab, ba, "expected symmetric status")
	})

	t.Run("pending", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		cs, clock := newTestChatServer(t, db)
		expiresAt := clock.Now().Add(time.Minute)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
			RoomId: "room_5_9", Status: database.AttemptPending, ExpiresAt: &expiresAt,
		}, nil).Once()

		status, err := cs.ConnectionStatus(ctx, 5, 9)
		assert.NoError(t, err)
		assert.Equal(t, types.StatePending, status.Status)
		assert.False(t, status.CanResend)
	})

	t.Run("lazily expired", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		cs, clock := newTestChatServer(t, db)
		expiresAt := clock.Now().Add(time.Minute)
		clock.Advance(2 * time.Minute)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, database.ErrNotFound).Once()
		db.On("GetPendingAttempt", mock.Anything, 5, 9).Return(database.ConnectionAttempt{
			RoomId: "room_5_9", Status: database.AttemptPending, ExpiresAt: &expiresAt,
		}, nil).Once()
		db.On("SetAttemptStatus", mock.Anything, 5, 9, database.AttemptExpired).Return(nil).Once()

		status, err := cs.ConnectionStatus(ctx, 5, 9)
		assert.NoError(t, err)
		assert.Equal(t, types.StateExpired, status.Status)
		assert.True(t, status.CanResend)
	})

	t.Run("none after teardown", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		cs, _ := newTestChatServer(t, db)

		for _, pair := range [][2]int{{5, 9}, {9, 5}} {
			db.On("GetConnection", mock.Anything, pair[0], pair[1]).Return(database.Connection{}, database.ErrNotFound).Once()
			db.On("GetPendingAttempt", mock.Anything, pair[0], pair[1]).Return(database.ConnectionAttempt{}, database.ErrNotFound).Once()

			status, err := cs.ConnectionStatus(ctx, pair[0], pair[1])
			assert.NoError(t, err)
			assert.Equal(t, types.StateNone, status.Status)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		cs, _ := newTestChatServer(t, db)

		db.On("GetConnection", mock.Anything, 5, 9).Return(database.Connection{}, errors.New("timeout")).Once()

		_, err := cs.ConnectionStatus(ctx, 5, 9)
		assert.Error(t, err)
	})
}

func TestChats(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	cs, _ := newTestChatServer(t, db)

	connectedAt := testStart.Add(-time.Hour)
	db.On("ListConnections", mock.Anything, 9).Return([]database.Connection{
		{User1Id: 5, User2Id: 9, Status: database.ConnectionStatusConnected, RoomId: "room_5_9", UpdatedAt: connectedAt},
		{User1Id: 9, User2Id: 12, Status: "pending", RoomId: "room_9_12"},
	}, nil).Once()
	db.On("GetUserById", mock.Anything, 5).Return(database.User{Id: 5, Name: "Ana"}, nil).Once()

	chats, err := cs.Chats(context.Background(), 9)
	assert.NoError(t, err)
	assert.Equal(t, []types.Chat{{
		RoomId:      "room_5_9",
		Peer:        types.Profile{Id: 5, Name: "Ana"},
		ConnectedAt: connectedAt,
	}}, chats)
}
