package server

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/stats"
	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/samber/lo"
)

const (
	messageTypeText = "text"
	previewLength   = 100
)

// checkParticipant fails unless roomId is well formed and names userId.
func checkParticipant(roomId string, userId int) error {
	if _, _, err := types.ParseRoomId(roomId); err != nil {
		return err
	}
	if !types.IsRoomParticipant(roomId, userId) {
		return ErrNotParticipant
	}
	return nil
}

func (cs *ChatServer) checkConnected(ctx context.Context, roomId string, userId int) error {
	if err := checkParticipant(roomId, userId); err != nil {
		return err
	}

	a, b, _ := types.ParseRoomId(roomId)
	conn, err := cs.db.GetConnection(ctx, a, b)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	if conn.Status != database.ConnectionStatusConnected {
		return ErrNotConnected
	}
	return nil
}

func (cs *ChatServer) joinRoom(c *Client, msg *ClientMessage) {
	roomId := msg.Join.RoomId

	ctx, cancel := cs.storeContext()
	defer cancel()

	if err := cs.checkConnected(ctx, roomId, c.userId); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	joined := cs.rooms.Join(roomId, c.userId)

	if err := cs.db.UpsertChatRoom(ctx, roomId, roomName(roomId)); err != nil {
		cs.log.Println("UpsertChatRoom:", err)
	}

	history, err := cs.db.ListMessages(ctx, roomId, cs.tun.HistoryLimit)
	if err != nil {
		cs.log.Println("ListMessages:", err)
	}
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		History: &HistoryPage{
			RoomId:   roomId,
			Messages: toMessages(history),
		},
	})

	if joined {
		profile, _ := cs.sessions.Profile(c.userId)
		cs.broadcastRoom(roomId, notification(&Notification{
			Presence: &Presence{
				Present:  true,
				UserId:   c.userId,
				UserName: profile.Name,
				RoomId:   roomId,
			},
		}), c.userId)
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
}

func (cs *ChatServer) leaveRoom(c *Client, msg *ClientMessage) {
	roomId := msg.Leave.RoomId
	if _, _, err := types.ParseRoomId(roomId); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	if !cs.rooms.Leave(roomId, c.userId) {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	profile, _ := cs.sessions.Profile(c.userId)
	cs.broadcastRoom(roomId, notification(&Notification{
		Presence: &Presence{
			Present:  false,
			UserId:   c.userId,
			UserName: profile.Name,
			RoomId:   roomId,
		},
	}), c.userId)

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": roomId}))
}

func (cs *ChatServer) publish(c *Client, msg *ClientMessage) {
	pub := msg.Publish
	content := strings.TrimSpace(pub.Content)
	if content == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "message content cannot be empty"))
		return
	}

	if _, _, err := types.ParseRoomId(pub.RoomId); err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}
	if !cs.rooms.IsMember(pub.RoomId, c.userId) {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	sender := cs.profileOf(ctx, c.userId)
	m := types.Message{
		TempId:       pub.TempId,
		RoomId:       pub.RoomId,
		SenderId:     c.userId,
		SenderName:   sender.Name,
		SenderAvatar: sender.AvatarUrl,
		Content:      content,
		Type:         messageTypeText,
	}

	saved, err := cs.db.CreateMessage(ctx, pub.RoomId, c.userId, content)
	if err != nil {
		// still deliver live, the ack tells the sender it was not stored
		cs.log.Println("CreateMessage:", err)
		m.CreatedAt = Now()
		if m.TempId == "" {
			m.TempId = uuid.NewString()
		}
	} else {
		m.Id = saved.Id
		m.CreatedAt = saved.CreatedAt
		if saved.Type != "" {
			m.Type = saved.Type
		}
	}
	cs.stats.Incr(stats.NumMessages)

	cs.broadcastRoom(pub.RoomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &m,
	}, 0)

	participants, perr := cs.db.ListRoomParticipants(ctx, pub.RoomId)
	if perr != nil {
		cs.log.Println("ListRoomParticipants:", perr)
	}
	recipients := lo.Without(lo.Uniq(append(cs.rooms.MembersOf(pub.RoomId), participants...)), c.userId)
	note := notification(&Notification{
		ChatMessage: &ChatNotification{
			RoomId:    pub.RoomId,
			MessageId: m.Id,
			SenderId:  c.userId,
			Sender:    sender.Name,
			Preview:   preview(content),
		},
	})
	for _, userId := range recipients {
		cs.sendToUser(userId, note)
	}

	c.queueMessage(NoErrOK(msg.Id, MessageAck{
		MessageId: m.Id,
		TempId:    m.TempId,
		RoomId:    pub.RoomId,
		Timestamp: m.CreatedAt,
		Saved:     err == nil,
	}))
}

func (cs *ChatServer) history(c *Client, msg *ClientMessage) {
	ctx, cancel := cs.storeContext()
	defer cancel()

	msgs, err := cs.History(ctx, c.userId, msg.History.RoomId, msg.History.Limit)
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
		History: &HistoryPage{
			RoomId:   msg.History.RoomId,
			Messages: msgs,
		},
	})
}

// History returns up to limit of the latest messages in roomId, oldest
// first. A limit of zero uses the default page size.
func (cs *ChatServer) History(ctx context.Context, userId int, roomId string, limit int) ([]types.Message, error) {
	if err := checkParticipant(roomId, userId); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = cs.tun.HistoryLimit
	}
	limit = min(limit, cs.tun.MaxHistoryLimit)

	msgs, err := cs.db.ListMessages(ctx, roomId, limit)
	if err != nil {
		return nil, err
	}

	return toMessages(msgs), nil
}

func (cs *ChatServer) typing(c *Client, msg *ClientMessage) {
	roomId := msg.Typing.RoomId
	if !cs.rooms.IsMember(roomId, c.userId) {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	profile, _ := cs.sessions.Profile(c.userId)
	cs.broadcastRoom(roomId, notification(&Notification{
		Typing: &TypingIndicator{
			RoomId:   roomId,
			UserId:   c.userId,
			UserName: profile.Name,
			Typing:   msg.Typing.Typing,
		},
	}), c.userId)
}

func (cs *ChatServer) deleteMessages(c *Client, msg *ClientMessage, roomId string, ids []int64, bulk bool) {
	ctx, cancel := cs.storeContext()
	defer cancel()

	deleted, err := cs.DeleteMessages(ctx, c.userId, roomId, ids, bulk)
	if err != nil {
		c.queueMessage(cs.errorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, MessagesDeleted{
		RoomId:    roomId,
		Ids:       deleted,
		DeletedBy: c.userId,
		Bulk:      bulk,
	}))
}

// DeleteMessages removes the messages in ids that userId sent in roomId and
// tells the rest of the room which ones went. It returns the removed ids.
func (cs *ChatServer) DeleteMessages(ctx context.Context, userId int, roomId string, ids []int64, bulk bool) ([]int64, error) {
	if err := checkParticipant(roomId, userId); err != nil {
		return nil, err
	}

	deleted, err := cs.db.DeleteMessages(ctx, roomId, userId, lo.Uniq(ids))
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, ErrNothingDeleted
	}

	cs.broadcastRoom(roomId, notification(&Notification{
		MessagesDeleted: &MessagesDeleted{
			RoomId:    roomId,
			Ids:       deleted,
			DeletedBy: userId,
			Bulk:      bulk,
		},
	}), userId)

	return deleted, nil
}

func toMessages(msgs []database.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.Message{
			Id:           m.Id,
			RoomId:       m.RoomId,
			SenderId:     m.SenderId,
			SenderName:   m.SenderName,
			SenderAvatar: m.SenderAvatar,
			Content:      m.Content,
			Type:         m.Type,
			CreatedAt:    m.CreatedAt,
		})
	}
	return out
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "..."
}
