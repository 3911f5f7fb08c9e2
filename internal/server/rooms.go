package server

import (
	"sync"

	"github.com/samber/lo"
)

// RoomTracker is the in-memory index of which live users are in which rooms.
// A user is listed in a room's members exactly when the room is listed in
// the user's rooms.
type RoomTracker interface {
	// Join adds userId to roomId and reports whether the user was newly added.
	Join(roomId string, userId int) bool
	// Leave removes userId from roomId and reports whether it was a member.
	Leave(roomId string, userId int) bool
	MembersOf(roomId string) []int
	RoomsOf(userId int) []string
	IsMember(roomId string, userId int) bool
	// Purge removes userId from every room and returns the rooms it left.
	Purge(userId int) []string
	NumRooms() int
}

type memoryRoomTracker struct {
	mu    sync.RWMutex
	rooms map[string]map[int]struct{}
	users map[int]map[string]struct{}
}

func NewRoomTracker() RoomTracker {
	return &memoryRoomTracker{
		rooms: make(map[string]map[int]struct{}),
		users: make(map[int]map[string]struct{}),
	}
}

func (t *memoryRoomTracker) Join(roomId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomId]
	if !ok {
		members = make(map[int]struct{})
		t.rooms[roomId] = members
	}
	if _, ok := members[userId]; ok {
		return false
	}
	members[userId] = struct{}{}

	rooms, ok := t.users[userId]
	if !ok {
		rooms = make(map[string]struct{})
		t.users[userId] = rooms
	}
	rooms[roomId] = struct{}{}

	return true
}

func (t *memoryRoomTracker) Leave(roomId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remove(roomId, userId)
}

// remove must be called with the lock held.
func (t *memoryRoomTracker) remove(roomId string, userId int) bool {
	members, ok := t.rooms[roomId]
	if !ok {
		return false
	}
	if _, ok := members[userId]; !ok {
		return false
	}

	delete(members, userId)
	if len(members) == 0 {
		delete(t.rooms, roomId)
	}

	rooms := t.users[userId]
	delete(rooms, roomId)
	if len(rooms) == 0 {
		delete(t.users, userId)
	}

	return true
}

func (t *memoryRoomTracker) MembersOf(roomId string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return lo.Keys(t.rooms[roomId])
}

func (t *memoryRoomTracker) RoomsOf(userId int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return lo.Keys(t.users[userId])
}

func (t *memoryRoomTracker) IsMember(roomId string, userId int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.rooms[roomId][userId]
	return ok
}

func (t *memoryRoomTracker) Purge(userId int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	left := lo.Keys(t.users[userId])
	for _, roomId := range left {
		t.remove(roomId, userId)
	}

	return left
}

func (t *memoryRoomTracker) NumRooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.rooms)
}
