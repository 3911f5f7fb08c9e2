package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-wanderchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a command sent by a client over the websocket. Exactly
// one of the payload fields is expected to be set.
type ClientMessage struct {
	BaseMessage
	Register           *Register           `json:"register,omitempty"`
	Join               *Join               `json:"join,omitempty"`
	Leave              *Leave              `json:"leave,omitempty"`
	Publish            *Publish            `json:"publish,omitempty"`
	History            *History            `json:"history,omitempty"`
	ConnectionRequest  *ConnectionRequest  `json:"connection_request,omitempty"`
	ConnectionAccept   *ConnectionReply    `json:"connection_accept,omitempty"`
	ConnectionReject   *ConnectionReply    `json:"connection_reject,omitempty"`
	ConnectionTeardown *ConnectionTeardown `json:"connection_teardown,omitempty"`
	Typing             *Typing             `json:"typing,omitempty"`
	Delete             *Delete             `json:"delete,omitempty"`
	BulkDelete         *BulkDelete         `json:"bulk_delete,omitempty"`
	UserId             int                 `json:"-"`
}

// Register binds the connection to a user. The token may be omitted when the
// websocket upgrade itself was authenticated.
type Register struct {
	UserId  int            `json:"user_id,omitempty" validate:"gte=0"`
	Token   string         `json:"token,omitempty"`
	Profile *types.Profile `json:"profile,omitempty"`
}

type Join struct {
	RoomId string `json:"room_id" validate:"required"`
}

type Leave struct {
	RoomId string `json:"room_id" validate:"required"`
}

type Publish struct {
	RoomId  string `json:"room_id" validate:"required"`
	Content string `json:"content" validate:"required,max=4000"`
	TempId  string `json:"temp_id,omitempty" validate:"omitempty,max=64"`
}

type History struct {
	RoomId string `json:"room_id" validate:"required"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0"`
}

type ConnectionRequest struct {
	ToUserId int    `json:"to_user_id" validate:"required,gt=0"`
	RoomId   string `json:"room_id,omitempty"`
	TripId   *int   `json:"trip_id,omitempty"`
	Message  string `json:"message,omitempty" validate:"max=500"`
}

type ConnectionReply struct {
	FromUserId int    `json:"from_user_id" validate:"required,gt=0"`
	RoomId     string `json:"room_id,omitempty"`
}

type ConnectionTeardown struct {
	ToUserId int `json:"to_user_id" validate:"required,gt=0"`
}

type Typing struct {
	RoomId string `json:"room_id" validate:"required"`
	Typing bool   `json:"typing"`
}

type Delete struct {
	RoomId    string `json:"room_id" validate:"required"`
	MessageId int64  `json:"message_id" validate:"required,gt=0"`
}

type BulkDelete struct {
	RoomId     string  `json:"room_id" validate:"required"`
	MessageIds []int64 `json:"message_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

// ServerMessage is anything the server pushes to a client: a response to a
// command, a chat message, a history page or a notification.
type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	History      *HistoryPage   `json:"history,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type HistoryPage struct {
	RoomId   string          `json:"room_id"`
	Messages []types.Message `json:"messages"`
}

type Notification struct {
	Presence               *Presence               `json:"presence,omitempty"`
	Offline                *UserOffline            `json:"user_offline,omitempty"`
	Typing                 *TypingIndicator        `json:"typing,omitempty"`
	ChatMessage            *ChatNotification       `json:"chat_message,omitempty"`
	ConnectionRequested    *ConnectionEvent        `json:"connection_requested,omitempty"`
	ConnectionAccepted     *ConnectionEvent        `json:"connection_accepted,omitempty"`
	ConnectionRejected     *ConnectionEvent        `json:"connection_rejected,omitempty"`
	ConnectionDisconnected *ConnectionEvent        `json:"connection_disconnected,omitempty"`
	ConnectionStatus       *ConnectionStatusUpdate `json:"connection_status,omitempty"`
	MessagesDeleted        *MessagesDeleted        `json:"messages_deleted,omitempty"`
	Queued                 *QueuedNotification     `json:"queued,omitempty"`
}

// Presence reports a user joining or leaving a room.
type Presence struct {
	Present  bool   `json:"present"`
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	RoomId   string `json:"room_id"`
}

type UserOffline struct {
	UserId int `json:"user_id"`
}

type TypingIndicator struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Typing   bool   `json:"typing"`
}

// ChatNotification is the user-scoped preview of a new chat message.
type ChatNotification struct {
	RoomId    string `json:"room_id"`
	MessageId int64  `json:"message_id,omitempty"`
	SenderId  int    `json:"sender_id"`
	Sender    string `json:"sender_name,omitempty"`
	Preview   string `json:"preview"`
}

// ConnectionEvent is the payload of every connection protocol event. It is
// also the stored payload of queued connection notifications, so a replayed
// event carries the id of the notification it came from.
type ConnectionEvent struct {
	FromUserId     int        `json:"from_user_id"`
	ToUserId       int        `json:"to_user_id"`
	RoomId         string     `json:"room_id"`
	FromUserName   string     `json:"from_user_name,omitempty"`
	FromUserAvatar string     `json:"from_user_avatar,omitempty"`
	TripId         *int       `json:"trip_id,omitempty"`
	Message        string     `json:"message,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	NotificationId int64      `json:"notification_id,omitempty"`
	Offline        bool       `json:"offline,omitempty"`
}

type ConnectionStatusUpdate struct {
	UserId int                   `json:"user_id"`
	Status types.ConnectionState `json:"status"`
	RoomId string                `json:"room_id,omitempty"`
}

type MessagesDeleted struct {
	RoomId    string  `json:"room_id"`
	Ids       []int64 `json:"message_ids"`
	DeletedBy int     `json:"deleted_by"`
	Bulk      bool    `json:"bulk"`
}

// QueuedNotification replays a stored notification of a type the server has
// no dedicated event for.
type QueuedNotification struct {
	NotificationId int64           `json:"notification_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ConnectionRequestSent acknowledges a connection request to its sender.
type ConnectionRequestSent struct {
	Success   bool       `json:"success"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Offline   bool       `json:"offline,omitempty"`
	ToUserId  int        `json:"to_user_id"`
	RoomId    string     `json:"room_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// MessageAck confirms a published message to its sender.
type MessageAck struct {
	MessageId int64     `json:"message_id,omitempty"`
	TempId    string    `json:"temp_id,omitempty"`
	RoomId    string    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`
	Saved     bool      `json:"saved"`
}

type Registered struct {
	UserId    int           `json:"user_id"`
	SessionId string        `json:"session_id"`
	Profile   types.Profile `json:"profile"`
	Delivered int           `json:"delivered"`
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

func errResponse(id, code int, text string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrBadRequest(id int, text string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, text)
}

func ErrUnauthorized(id int) *ServerMessage {
	return errResponse(id, http.StatusUnauthorized, "unauthorized")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotFound(id int, text string) *ServerMessage {
	return errResponse(id, http.StatusNotFound, text)
}

func ErrConflict(id int, text string) *ServerMessage {
	return errResponse(id, http.StatusConflict, text)
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

func notification(n *Notification) *ServerMessage {
	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: n,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
