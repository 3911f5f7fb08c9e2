package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	EmailAddress string    `json:"email_address,omitempty"`
	AvatarUrl    string    `json:"avatar_url,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Profile is the lightweight identity attached to live sessions and events.
type Profile struct {
	Id        int    `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

// PlaceholderProfile is used when a user's profile cannot be loaded.
func PlaceholderProfile(userId int) Profile {
	return Profile{Id: userId, Name: fmt.Sprintf("User %d", userId)}
}

// Merge overlays the non-empty fields of hint onto p.
func (p Profile) Merge(hint *Profile) Profile {
	if hint == nil {
		return p
	}
	if hint.Name != "" {
		p.Name = hint.Name
	}
	if hint.AvatarUrl != "" {
		p.AvatarUrl = hint.AvatarUrl
	}
	return p
}

type Message struct {
	Id           int64     `json:"id,omitempty"`
	TempId       string    `json:"temp_id,omitempty"`
	RoomId       string    `json:"room_id"`
	SenderId     int       `json:"sender_id"`
	SenderName   string    `json:"sender_name,omitempty"`
	SenderAvatar string    `json:"sender_avatar,omitempty"`
	Content      string    `json:"content"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

type ConnectionState string

const (
	StateNone      ConnectionState = "none"
	StatePending   ConnectionState = "pending"
	StateConnected ConnectionState = "connected"
	StateExpired   ConnectionState = "expired"
	StateRejected  ConnectionState = "rejected"
)

type ConnectionStatus struct {
	Status    ConnectionState `json:"status"`
	RoomId    string          `json:"room_id,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CanResend bool            `json:"can_resend"`
}

type Chat struct {
	RoomId      string    `json:"room_id"`
	Peer        Profile   `json:"peer"`
	ConnectedAt time.Time `json:"connected_at"`
}

var ErrInvalidRoomId = errors.New("invalid room id")

const roomPrefix = "room_"

// RoomId derives the direct-chat room shared by two users. The result does
// not depend on argument order.
func RoomId(a, b int) string {
	low, high := OrderedPair(a, b)
	return roomPrefix + strconv.Itoa(low) + "_" + strconv.Itoa(high)
}

// OrderedPair returns the two ids smallest first.
func OrderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// ParseRoomId returns the two user ids encoded in a room id. Only the
// canonical form produced by RoomId is accepted.
func ParseRoomId(roomId string) (int, int, error) {
	rest, ok := strings.CutPrefix(roomId, roomPrefix)
	if !ok {
		return 0, 0, ErrInvalidRoomId
	}

	first, second, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, ErrInvalidRoomId
	}

	a, err := strconv.Atoi(first)
	if err != nil || a <= 0 {
		return 0, 0, ErrInvalidRoomId
	}
	b, err := strconv.Atoi(second)
	if err != nil || b <= 0 || b <= a {
		return 0, 0, ErrInvalidRoomId
	}

	if RoomId(a, b) != roomId {
		return 0, 0, ErrInvalidRoomId
	}

	return a, b, nil
}

// IsRoomParticipant reports whether userId is one of the pair encoded in roomId.
func IsRoomParticipant(roomId string, userId int) bool {
	a, b, err := ParseRoomId(roomId)
	if err != nil {
		return false
	}
	return userId == a || userId == b
}
