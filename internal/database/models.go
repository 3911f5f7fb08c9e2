package database

import (
	"encoding/json"
	"time"
)

type User struct {
	Id           int
	Name         string
	EmailAddress string
	AvatarUrl    string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	Id           int64
	RoomId       string
	SenderId     int
	SenderName   string
	SenderAvatar string
	Content      string
	Type         string
	CreatedAt    time.Time
}

type Connection struct {
	User1Id   int
	User2Id   int
	Status    string
	RoomId    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptAccepted AttemptStatus = "accepted"
	AttemptRejected AttemptStatus = "rejected"
	AttemptExpired  AttemptStatus = "expired"
)

type ConnectionAttempt struct {
	Id         int64
	FromUserId int
	ToUserId   int
	RoomId     string
	Status     AttemptStatus
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the attempt has passed its expiry at now. An
// attempt without an expiry has not been stamped yet and is still live.
func (a ConnectionAttempt) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

type OfflineNotification struct {
	Id          int64
	UserId      int
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

type CreateUserParams struct {
	Name         string
	EmailAddress string
	AvatarUrl    string
	PasswordHash string
}
