package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/stats"
	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/samber/lo"
)

// Stored notification types.
const (
	NotificationConnectionRequest      = "connection_request"
	NotificationConnectionDisconnected = "connection_disconnected"
)

var errIdentityMismatch = errors.New("token does not match the authenticated user")

// identify resolves the user a register command speaks for.
func (cs *ChatServer) identify(c *Client, reg *Register) (int, error) {
	userId := c.authUserId
	if reg.Token != "" {
		id, err := cs.auth.Authenticate(reg.Token)
		if err != nil {
			return 0, err
		}
		if userId != 0 && id != userId {
			return 0, errIdentityMismatch
		}
		userId = id
	}

	if userId == 0 {
		return 0, errors.New("missing token")
	}
	if reg.UserId != 0 && reg.UserId != userId {
		return 0, errIdentityMismatch
	}

	return userId, nil
}

func (cs *ChatServer) register(c *Client, msg *ClientMessage) {
	userId, err := cs.identify(c, msg.Register)
	if err != nil {
		cs.log.Printf("register rejected: %v", err)
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}

	// a connection re-registering as someone else drops its old identity first
	if c.userId != 0 && c.userId != userId {
		cs.unbind(c)
	}

	ctx, cancel := cs.storeContext()
	defer cancel()

	profile := cs.profileOf(ctx, userId).Merge(msg.Register.Profile)
	c.userId = userId
	if prev := cs.sessions.Bind(c, profile); prev != nil {
		cs.log.Printf("session %s replaces %s for user %d", c.Id(), prev.Id(), userId)
	}

	delivered := cs.deliverOffline(ctx, c)

	c.queueMessage(NoErrOK(msg.Id, Registered{
		UserId:    userId,
		SessionId: c.id,
		Profile:   profile,
		Delivered: delivered,
	}))
}

// unbind removes c's user binding and room memberships and tells everyone
// the user went offline. Nothing else happens when c was superseded by a
// newer session for the same user.
func (cs *ChatServer) unbind(c *Client) {
	userId := c.userId
	if userId == 0 {
		return
	}

	profile, _ := cs.sessions.Profile(userId)
	current := cs.sessions.Forget(c)
	c.userId = 0
	if !current {
		return
	}

	for _, roomId := range cs.rooms.Purge(userId) {
		cs.broadcastRoom(roomId, notification(&Notification{
			Presence: &Presence{
				Present:  false,
				UserId:   userId,
				UserName: profile.Name,
				RoomId:   roomId,
			},
		}), userId)
	}

	offline := notification(&Notification{Offline: &UserOffline{UserId: userId}})
	for _, s := range cs.sessions.Sessions() {
		s.queueMessage(offline)
	}
}

// deliverOffline replays the user's undelivered notifications oldest first
// and marks the replayed ones delivered. Anything not marked is replayed
// again on the next registration.
func (cs *ChatServer) deliverOffline(ctx context.Context, c *Client) int {
	since := cs.now().Add(-cs.tun.NotificationRetention)
	pending, err := cs.db.ListUndeliveredNotifications(ctx, c.userId, since)
	if err != nil {
		cs.log.Println("ListUndeliveredNotifications:", err)
		return 0
	}

	ids := make([]int64, 0, len(pending))
	for _, n := range pending {
		if !c.queueMessage(cs.replay(n)) {
			break
		}
		ids = append(ids, n.Id)
	}

	if len(ids) == 0 {
		return 0
	}

	if err := cs.db.MarkNotificationsDelivered(ctx, ids); err != nil {
		cs.log.Println("MarkNotificationsDelivered:", err)
		return 0
	}
	cs.stats.Add(stats.NumOfflineDelivered, len(ids))

	return len(ids)
}

// replay rebuilds the live event for a stored notification.
func (cs *ChatServer) replay(n database.OfflineNotification) *ServerMessage {
	queued := &Notification{
		Queued: &QueuedNotification{
			NotificationId: n.Id,
			Type:           n.Type,
			Payload:        n.Payload,
			CreatedAt:      n.CreatedAt,
		},
	}

	var ev ConnectionEvent
	switch n.Type {
	case NotificationConnectionRequest, NotificationConnectionDisconnected:
		if err := json.Unmarshal(n.Payload, &ev); err != nil {
			cs.log.Printf("notification %d: decode payload: %v", n.Id, err)
			return notification(queued)
		}
	default:
		return notification(queued)
	}

	ev.NotificationId = n.Id
	ev.Offline = true

	if n.Type == NotificationConnectionRequest {
		return notification(&Notification{ConnectionRequested: &ev})
	}
	return notification(&Notification{
		ConnectionDisconnected: &ev,
		ConnectionStatus: &ConnectionStatusUpdate{
			UserId: ev.FromUserId,
			Status: types.StateNone,
		},
	})
}

// deliverOrQueue sends n to the user's live session, or stores payload as an
// offline notification of notificationType when the user cannot be reached.
// It reports whether the notification was queued.
func (cs *ChatServer) deliverOrQueue(ctx context.Context, userId int, notificationType string, n *Notification, payload any) (bool, error) {
	if cs.sendToUser(userId, notification(n)) {
		return false, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return true, fmt.Errorf("encode %s payload: %w", notificationType, err)
	}

	if _, err := cs.db.CreateOfflineNotification(ctx, userId, notificationType, raw); err != nil {
		return true, err
	}
	cs.stats.Incr(stats.NumOfflineQueued)

	return true, nil
}

// InboxItem is a stored notification formatted for display.
type InboxItem struct {
	Id        int64           `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Inbox returns the user's undelivered notifications newest first and marks
// them delivered.
func (cs *ChatServer) Inbox(ctx context.Context, userId int) ([]InboxItem, error) {
	since := cs.now().Add(-cs.tun.NotificationFetchWindow)
	pending, err := cs.db.ListUndeliveredNotifications(ctx, userId, since)
	if err != nil {
		return nil, err
	}

	items := lo.Map(pending, func(n database.OfflineNotification, _ int) InboxItem {
		return formatInboxItem(n)
	})
	slices.Reverse(items)

	if len(pending) > 0 {
		ids := lo.Map(pending, func(n database.OfflineNotification, _ int) int64 { return n.Id })
		if err := cs.db.MarkNotificationsDelivered(ctx, ids); err != nil {
			cs.log.Println("MarkNotificationsDelivered:", err)
		} else {
			cs.stats.Add(stats.NumOfflineDelivered, len(ids))
		}
	}

	return items, nil
}

// ClearInbox marks the given notifications, or all of them when ids is
// empty, delivered for userId.
func (cs *ChatServer) ClearInbox(ctx context.Context, userId int, ids []int64) (int64, error) {
	return cs.db.ClearNotifications(ctx, userId, ids)
}

func formatInboxItem(n database.OfflineNotification) InboxItem {
	item := InboxItem{
		Id:        n.Id,
		Type:      n.Type,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt,
	}

	var ev ConnectionEvent
	decoded := json.Unmarshal(n.Payload, &ev) == nil
	name := ev.FromUserName
	if name == "" {
		name = "Someone"
	}

	switch {
	case n.Type == NotificationConnectionRequest && decoded:
		item.Title = "New connection request"
		item.Body = fmt.Sprintf("%s wants to connect with you", name)
		if ev.Message != "" {
			item.Body += ": " + ev.Message
		}
	case n.Type == NotificationConnectionDisconnected && decoded:
		item.Title = "Connection ended"
		item.Body = fmt.Sprintf("%s disconnected from you", name)
	default:
		item.Title = "Notification"
	}

	return item
}
