package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-wanderchat/internal/config"
	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/stats"
	"github.com/npezzotti/go-wanderchat/internal/types"
)

var (
	ErrNotParticipant = errors.New("not a participant of this room")
	ErrNotConnected   = errors.New("users are not connected")
	ErrNothingDeleted = errors.New("no matching messages")
	ErrSelfConnection = errors.New("cannot connect to yourself")
)

// Authenticator turns a session token into the id of the user it was issued to.
type Authenticator interface {
	Authenticate(token string) (int, error)
}

type Option func(*ChatServer)

// WithClock replaces the time source used for expiry and cooldown checks.
func WithClock(now func() time.Time) Option {
	return func(cs *ChatServer) {
		cs.now = now
	}
}

func WithSessionRegistry(r SessionRegistry) Option {
	return func(cs *ChatServer) {
		cs.sessions = r
	}
}

func WithRoomTracker(t RoomTracker) Option {
	return func(cs *ChatServer) {
		cs.rooms = t
	}
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log         *log.Logger
	db          database.Repository
	stats       stats.StatsProvider
	auth        Authenticator
	tun         config.Tunables
	now         func() time.Time
	sessions    SessionRegistry
	rooms       RoomTracker
	cooldowns   *cooldowns
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	stop        chan stopReq
}

func NewChatServer(logger *log.Logger, db database.Repository, su stats.StatsProvider, auth Authenticator, tun config.Tunables, opts ...Option) (*ChatServer, error) {
	if err := tun.Validate(); err != nil {
		return nil, err
	}

	cs := &ChatServer{
		log:       logger,
		db:        db,
		stats:     su,
		auth:      auth,
		tun:       tun,
		now:       Now,
		sessions:  NewSessionRegistry(),
		rooms:     NewRoomTracker(),
		cooldowns: newCooldowns(),
		clients:   make(map[*Client]struct{}),
		stop:      make(chan stopReq),
	}

	for _, opt := range opts {
		opt(cs)
	}

	for _, name := range stats.Counters {
		su.RegisterMetric(name)
	}
	su.RegisterGauge(stats.NumRegisteredUsers, func() int64 { return int64(cs.sessions.Len()) })
	su.RegisterGauge(stats.NumActiveRooms, func() int64 { return int64(cs.rooms.NumRooms()) })

	return cs, nil
}

// Run sweeps expired connection requests and stale cooldowns until Shutdown
// is called.
func (cs *ChatServer) Run() {
	ticker := time.NewTicker(cs.tun.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.sweep()
		case req := <-cs.stop:
			cs.log.Println("stopping clients")
			for _, c := range cs.getClients() {
				c.stopClient()
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) sweep() {
	now := cs.now()

	ctx, cancel := cs.storeContext()
	defer cancel()

	n, err := cs.db.ExpirePendingAttempts(ctx, now)
	if err != nil {
		cs.log.Println("ExpirePendingAttempts:", err)
	} else if n > 0 {
		cs.log.Printf("expired %d connection requests", n)
	}

	cs.cooldowns.purge(now, cs.tun.CooldownTTL)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.tun.StoreTimeout)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.NumActiveClients)
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// handle runs one client command to completion. Commands from one client
// are handled in the order they arrive.
func (cs *ChatServer) handle(c *Client, msg *ClientMessage) {
	payload := msg.payload()
	if payload == nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}
	if err := validate.Struct(payload); err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, validationMessage(err)))
		return
	}

	if msg.Register != nil {
		cs.register(c, msg)
		return
	}

	if c.userId == 0 {
		c.queueMessage(ErrUnauthorized(msg.Id))
		return
	}
	msg.UserId = c.userId

	switch {
	case msg.Join != nil:
		cs.joinRoom(c, msg)
	case msg.Leave != nil:
		cs.leaveRoom(c, msg)
	case msg.Publish != nil:
		cs.publish(c, msg)
	case msg.History != nil:
		cs.history(c, msg)
	case msg.Typing != nil:
		cs.typing(c, msg)
	case msg.Delete != nil:
		cs.deleteMessages(c, msg, msg.Delete.RoomId, []int64{msg.Delete.MessageId}, false)
	case msg.BulkDelete != nil:
		cs.deleteMessages(c, msg, msg.BulkDelete.RoomId, msg.BulkDelete.MessageIds, true)
	case msg.ConnectionRequest != nil:
		cs.sendRequest(c, msg)
	case msg.ConnectionAccept != nil:
		cs.acceptRequest(c, msg)
	case msg.ConnectionReject != nil:
		cs.rejectRequest(c, msg)
	case msg.ConnectionTeardown != nil:
		cs.teardown(c, msg)
	}
}

// sendToUser pushes msg to the user's live session. It reports false when
// the user is offline or their send buffer is full.
func (cs *ChatServer) sendToUser(userId int, msg *ServerMessage) bool {
	c := cs.sessions.Resolve(userId)
	if c == nil {
		return false
	}
	return c.queueMessage(msg)
}

// broadcastRoom sends msg to every live member of roomId except skipUser.
func (cs *ChatServer) broadcastRoom(roomId string, msg *ServerMessage, skipUser int) {
	for _, userId := range cs.rooms.MembersOf(roomId) {
		if userId == skipUser {
			continue
		}
		cs.sendToUser(userId, msg)
	}
}

// profileOf returns the cached profile of a live user, falling back to the
// store and finally to a placeholder.
func (cs *ChatServer) profileOf(ctx context.Context, userId int) types.Profile {
	if p, ok := cs.sessions.Profile(userId); ok {
		return p
	}

	u, err := cs.db.GetUserById(ctx, userId)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			cs.log.Println("GetUserById:", err)
		}
		return types.PlaceholderProfile(userId)
	}

	return types.Profile{Id: u.Id, Name: u.Name, AvatarUrl: u.AvatarUrl}
}

// errorResponse maps a coordinator error to the response sent to the client.
func (cs *ChatServer) errorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, types.ErrInvalidRoomId), errors.Is(err, ErrSelfConnection):
		return ErrBadRequest(id, err.Error())
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotConnected):
		return ErrForbidden(id)
	case errors.Is(err, ErrNothingDeleted):
		return ErrNotFound(id, err.Error())
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound(id, "not found")
	default:
		cs.log.Println("internal error:", err)
		return ErrInternalError(id)
	}
}
