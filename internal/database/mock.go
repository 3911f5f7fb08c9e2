package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetUserById(ctx context.Context, id int) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) UpsertChatRoom(ctx context.Context, roomId, name string) error {
	args := m.Called(ctx, roomId, name)
	return args.Error(0)
}
func (m *MockRepository) AddRoomParticipants(ctx context.Context, roomId string, userIds ...int) error {
	args := m.Called(ctx, roomId, userIds)
	return args.Error(0)
}
func (m *MockRepository) ListRoomParticipants(ctx context.Context, roomId string) ([]int, error) {
	args := m.Called(ctx, roomId)
	if ids, ok := args.Get(0).([]int); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, roomId string, senderId int, content string) (Message, error) {
	args := m.Called(ctx, roomId, senderId, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]Message, error) {
	args := m.Called(ctx, roomId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) DeleteMessages(ctx context.Context, roomId string, senderId int, ids []int64) ([]int64, error) {
	args := m.Called(ctx, roomId, senderId, ids)
	if deleted, ok := args.Get(0).([]int64); ok {
		return deleted, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetConnection(ctx context.Context, userA, userB int) (Connection, error) {
	args := m.Called(ctx, userA, userB)
	return args.Get(0).(Connection), args.Error(1)
}
func (m *MockRepository) UpsertConnection(ctx context.Context, userA, userB int, status, roomId string) error {
	args := m.Called(ctx, userA, userB, status, roomId)
	return args.Error(0)
}
func (m *MockRepository) DeleteConnection(ctx context.Context, userA, userB int) error {
	args := m.Called(ctx, userA, userB)
	return args.Error(0)
}
func (m *MockRepository) ListConnections(ctx context.Context, userId int) ([]Connection, error) {
	args := m.Called(ctx, userId)
	if conns, ok := args.Get(0).([]Connection); ok {
		return conns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) GetPendingAttempt(ctx context.Context, fromId, toId int) (ConnectionAttempt, error) {
	args := m.Called(ctx, fromId, toId)
	return args.Get(0).(ConnectionAttempt), args.Error(1)
}
func (m *MockRepository) UpsertAttempt(ctx context.Context, fromId, toId int, roomId string) error {
	args := m.Called(ctx, fromId, toId, roomId)
	return args.Error(0)
}
func (m *MockRepository) SetAttemptStatus(ctx context.Context, fromId, toId int, status AttemptStatus) error {
	args := m.Called(ctx, fromId, toId, status)
	return args.Error(0)
}
func (m *MockRepository) SetAttemptExpiry(ctx context.Context, fromId, toId int, expiresAt time.Time) error {
	args := m.Called(ctx, fromId, toId, expiresAt)
	return args.Error(0)
}
func (m *MockRepository) ExpirePendingAttempts(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) CreateOfflineNotification(ctx context.Context, userId int, notificationType string, payload []byte) (int64, error) {
	args := m.Called(ctx, userId, notificationType, payload)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) ListUndeliveredNotifications(ctx context.Context, userId int, since time.Time) ([]OfflineNotification, error) {
	args := m.Called(ctx, userId, since)
	if ns, ok := args.Get(0).([]OfflineNotification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) MarkNotificationsDelivered(ctx context.Context, ids []int64) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}
func (m *MockRepository) ClearNotifications(ctx context.Context, userId int, ids []int64) (int64, error) {
	args := m.Called(ctx, userId, ids)
	return args.Get(0).(int64), args.Error(1)
}
