package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("database: not found")

// ErrAlreadyExists is returned when an insert violates a unique constraint.
var ErrAlreadyExists = errors.New("database: already exists")

const ConnectionStatusConnected = "connected"

type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, id int) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	UpsertChatRoom(ctx context.Context, roomId, name string) error
	AddRoomParticipants(ctx context.Context, roomId string, userIds ...int) error
	ListRoomParticipants(ctx context.Context, roomId string) ([]int, error)

	CreateMessage(ctx context.Context, roomId string, senderId int, content string) (Message, error)
	ListMessages(ctx context.Context, roomId string, limit int) ([]Message, error)
	DeleteMessages(ctx context.Context, roomId string, senderId int, ids []int64) ([]int64, error)

	GetConnection(ctx context.Context, userA, userB int) (Connection, error)
	UpsertConnection(ctx context.Context, userA, userB int, status, roomId string) error
	// DeleteConnection returns ErrNotFound when the pair had no connection.
	DeleteConnection(ctx context.Context, userA, userB int) error
	ListConnections(ctx context.Context, userId int) ([]Connection, error)

	GetPendingAttempt(ctx context.Context, fromId, toId int) (ConnectionAttempt, error)
	UpsertAttempt(ctx context.Context, fromId, toId int, roomId string) error
	SetAttemptStatus(ctx context.Context, fromId, toId int, status AttemptStatus) error
	SetAttemptExpiry(ctx context.Context, fromId, toId int, expiresAt time.Time) error
	ExpirePendingAttempts(ctx context.Context, now time.Time) (int64, error)

	CreateOfflineNotification(ctx context.Context, userId int, notificationType string, payload []byte) (int64, error)
	ListUndeliveredNotifications(ctx context.Context, userId int, since time.Time) ([]OfflineNotification, error)
	MarkNotificationsDelivered(ctx context.Context, ids []int64) error
	ClearNotifications(ctx context.Context, userId int, ids []int64) (int64, error)
}
