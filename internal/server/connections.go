package server

import (
	"context"
	"errors"

	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/stats"
	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/samber/lo"
)

// pairRoom returns the room shared by a and b, checking it against a room id
// supplied by the client.
func pairRoom(a, b int, claimed string) (string, error) {
	if a == b {
		return "", ErrSelfConnection
	}

	roomId := types.RoomId(a, b)
	if claimed != "" && claimed != roomId {
		return "", types.ErrInvalidRoomId
	}
	return roomId, nil
}

func (cs *ChatServer) sendRequest(c *Client, msg *ClientMessage) {
	req := msg.ConnectionRequest
	from, to := c.userId, req.ToUserId

	roomId, err := pairRoom(from, to, req.RoomId)
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	now := cs.now()

	conn, err := cs.db.GetConnection(ctx, from, to)
	switch {
	case err == nil && conn.Status == database.ConnectionStatusConnected:
		c.queueMessage(ErrConflict(msg.Id, "already connected"))
		return
	case err != nil && !errors.Is(err, database.ErrNotFound):
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	duplicate := ConnectionRequestSent{
		Success:   false,
		Duplicate: true,
		ToUserId:  to,
		RoomId:    roomId,
		Message:   "connection request already sent",
	}

	attempt, err := cs.db.GetPendingAttempt(ctx, from, to)
	switch {
	case err == nil && attempt.Expired(now):
		if err := cs.db.SetAttemptStatus(ctx, from, to, database.AttemptExpired); err != nil {
			cs.log.Println("SetAttemptStatus:", err)
		}
	case err == nil && now.Sub(attempt.CreatedAt) < cs.tun.PendingWindow:
		duplicate.ExpiresAt = attempt.ExpiresAt
		c.queueMessage(NoErrOK(msg.Id, duplicate))
		return
	case err != nil && !errors.Is(err, database.ErrNotFound):
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	if !cs.cooldowns.mark(from, to, now, cs.tun.RequestCooldown) {
		c.queueMessage(NoErrOK(msg.Id, duplicate))
		return
	}

	if err := cs.db.UpsertAttempt(ctx, from, to, roomId); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}
	cs.stats.Incr(stats.NumConnectionRequests)

	sender := cs.profileOf(ctx, from)
	expiresAt := now.Add(cs.tun.RequestExpiry)
	ev := &ConnectionEvent{
		FromUserId:     from,
		ToUserId:       to,
		RoomId:         roomId,
		FromUserName:   sender.Name,
		FromUserAvatar: sender.AvatarUrl,
		TripId:         req.TripId,
		Message:        req.Message,
		ExpiresAt:      &expiresAt,
		CreatedAt:      now,
	}

	offline, deliveryErr := cs.deliverOrQueue(ctx, to, NotificationConnectionRequest, &Notification{ConnectionRequested: ev}, ev)
	if deliveryErr != nil {
		cs.log.Printf("connection request %d->%d: %v", from, to, deliveryErr)
	}

	if err := cs.db.SetAttemptExpiry(ctx, from, to, expiresAt); err != nil {
		cs.log.Println("SetAttemptExpiry:", err)
	}

	sent := ConnectionRequestSent{
		Success:   deliveryErr == nil,
		Offline:   offline,
		ToUserId:  to,
		RoomId:    roomId,
		ExpiresAt: &expiresAt,
	}
	switch {
	case deliveryErr != nil:
		sent.Message = "recipient is offline and the request could not be queued"
	case offline:
		sent.Message = "recipient is offline, request will be delivered when they connect"
	default:
		sent.Message = "connection request delivered"
	}

	c.queueMessage(NoErrOK(msg.Id, sent))
}

// answerable loads the pending request from requester to recipient, marking
// it expired when it has run out.
func (cs *ChatServer) answerable(ctx context.Context, msgId, requester, recipient int) (database.ConnectionAttempt, *ServerMessage) {
	attempt, err := cs.db.GetPendingAttempt(ctx, requester, recipient)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return attempt, ErrNotFound(msgId, "no pending connection request")
		}
		return attempt, cs.errorResponse(msgId, err)
	}

	if attempt.Expired(cs.now()) {
		if err := cs.db.SetAttemptStatus(ctx, requester, recipient, database.AttemptExpired); err != nil {
			cs.log.Println("SetAttemptStatus:", err)
		}
		return attempt, ErrConflict(msgId, "connection request expired")
	}

	return attempt, nil
}

func (cs *ChatServer) acceptRequest(c *Client, msg *ClientMessage) {
	requester, me := msg.ConnectionAccept.FromUserId, c.userId

	roomId, err := pairRoom(requester, me, msg.ConnectionAccept.RoomId)
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	if _, resp := cs.answerable(ctx, msg.Id, requester, me); resp != nil {
		c.queueMessage(resp)
		return
	}

	if err := cs.db.SetAttemptStatus(ctx, requester, me, database.AttemptAccepted); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	if err := cs.db.UpsertConnection(ctx, requester, me, database.ConnectionStatusConnected, roomId); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	if err := cs.db.UpsertChatRoom(ctx, roomId, roomName(roomId)); err != nil {
		cs.log.Println("UpsertChatRoom:", err)
	}
	if err := cs.db.AddRoomParticipants(ctx, roomId, requester, me); err != nil {
		cs.log.Println("AddRoomParticipants:", err)
	}

	profile := cs.profileOf(ctx, me)
	cs.sendToUser(requester, notification(&Notification{
		ConnectionAccepted: &ConnectionEvent{
			FromUserId:     me,
			ToUserId:       requester,
			RoomId:         roomId,
			FromUserName:   profile.Name,
			FromUserAvatar: profile.AvatarUrl,
			CreatedAt:      cs.now(),
		},
		ConnectionStatus: &ConnectionStatusUpdate{
			UserId: me,
			Status: types.StateConnected,
			RoomId: roomId,
		},
	}))

	c.queueMessage(NoErrOK(msg.Id, types.ConnectionStatus{
		Status: types.StateConnected,
		RoomId: roomId,
	}))
}

func (cs *ChatServer) rejectRequest(c *Client, msg *ClientMessage) {
	requester, me := msg.ConnectionReject.FromUserId, c.userId

	roomId, err := pairRoom(requester, me, msg.ConnectionReject.RoomId)
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	if _, resp := cs.answerable(ctx, msg.Id, requester, me); resp != nil {
		c.queueMessage(resp)
		return
	}

	if err := cs.db.SetAttemptStatus(ctx, requester, me, database.AttemptRejected); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	profile := cs.profileOf(ctx, me)
	cs.sendToUser(requester, notification(&Notification{
		ConnectionRejected: &ConnectionEvent{
			FromUserId:     me,
			ToUserId:       requester,
			RoomId:         roomId,
			FromUserName:   profile.Name,
			FromUserAvatar: profile.AvatarUrl,
			CreatedAt:      cs.now(),
		},
		ConnectionStatus: &ConnectionStatusUpdate{
			UserId: me,
			Status: types.StateRejected,
			RoomId: roomId,
		},
	}))

	c.queueMessage(NoErrOK(msg.Id, types.ConnectionStatus{
		Status:    types.StateRejected,
		RoomId:    roomId,
		CanResend: true,
	}))
}

func (cs *ChatServer) teardown(c *Client, msg *ClientMessage) {
	me, peer := c.userId, msg.ConnectionTeardown.ToUserId

	roomId, err := pairRoom(me, peer, "")
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	if err := cs.db.DeleteConnection(ctx, me, peer); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	// the room is private to connected users
	for _, userId := range []int{me, peer} {
		if cs.rooms.Leave(roomId, userId) {
			cs.broadcastRoom(roomId, notification(&Notification{
				Presence: &Presence{Present: false, UserId: userId, RoomId: roomId},
			}), userId)
		}
	}

	profile := cs.profileOf(ctx, me)
	ev := &ConnectionEvent{
		FromUserId:     me,
		ToUserId:       peer,
		RoomId:         roomId,
		FromUserName:   profile.Name,
		FromUserAvatar: profile.AvatarUrl,
		CreatedAt:      cs.now(),
	}

	_, err = cs.deliverOrQueue(ctx, peer, NotificationConnectionDisconnected, &Notification{
		ConnectionDisconnected: ev,
		ConnectionStatus: &ConnectionStatusUpdate{
			UserId: me,
			Status: types.StateNone,
		},
	}, ev)
	if err != nil {
		cs.log.Printf("teardown %d->%d: %v", me, peer, err)
	}

	c.queueMessage(NoErrOK(msg.Id, types.ConnectionStatus{
		Status:    types.StateNone,
		CanResend: true,
	}))
}

// ConnectionStatus reports the connection state of a towards b. A pending
// request past its expiry is reclassified as expired while being read.
func (cs *ChatServer) ConnectionStatus(ctx context.Context, a, b int) (types.ConnectionStatus, error) {
	if a == b {
		return types.ConnectionStatus{}, ErrSelfConnection
	}

	conn, err := cs.db.GetConnection(ctx, a, b)
	switch {
	case err == nil && conn.Status == database.ConnectionStatusConnected:
		return types.ConnectionStatus{Status: types.StateConnected, RoomId: conn.RoomId}, nil
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return types.ConnectionStatus{}, err
	}

	attempt, err := cs.db.GetPendingAttempt(ctx, a, b)
	if errors.Is(err, database.ErrNotFound) {
		return types.ConnectionStatus{Status: types.StateNone, CanResend: true}, nil
	}
	if err != nil {
		return types.ConnectionStatus{}, err
	}

	if attempt.Expired(cs.now()) {
		if err := cs.db.SetAttemptStatus(ctx, a, b, database.AttemptExpired); err != nil {
			cs.log.Println("SetAttemptStatus:", err)
		}
		return types.ConnectionStatus{
			Status:    types.StateExpired,
			RoomId:    attempt.RoomId,
			ExpiresAt: attempt.ExpiresAt,
			CanResend: true,
		}, nil
	}

	return types.ConnectionStatus{
		Status:    types.StatePending,
		RoomId:    attempt.RoomId,
		ExpiresAt: attempt.ExpiresAt,
	}, nil
}

// Chats lists the users connected to userId.
func (cs *ChatServer) Chats(ctx context.Context, userId int) ([]types.Chat, error) {
	conns, err := cs.db.ListConnections(ctx, userId)
	if err != nil {
		return nil, err
	}

	connected := lo.Filter(conns, func(c database.Connection, _ int) bool {
		return c.Status == database.ConnectionStatusConnected
	})

	return lo.Map(connected, func(c database.Connection, _ int) types.Chat {
		peer := c.User1Id
		if peer == userId {
			peer = c.User2Id
		}
		return types.Chat{
			RoomId:      c.RoomId,
			Peer:        cs.profileOf(ctx, peer),
			ConnectedAt: c.UpdatedAt,
		}
	}), nil
}

func roomName(roomId string) string {
	return "Chat " + roomId
}
