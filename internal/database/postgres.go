package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-wanderchat/internal/types"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type PgRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func notFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (db *PgRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (name, email, avatar_url, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, name, email, avatar_url, created_at, updated_at",
		params.Name,
		params.EmailAddress,
		params.AvatarUrl,
		params.PasswordHash,
		now,
	)

	var u User
	err := row.Scan(&u.Id, &u.Name, &u.EmailAddress, &u.AvatarUrl, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return User{}, ErrAlreadyExists
		}
		return User{}, errors.Wrap(err, "create user")
	}

	return u, nil
}

func (db *PgRepository) GetUserById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, email, avatar_url, created_at, updated_at FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Name, &u.EmailAddress, &u.AvatarUrl, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, notFound(err, "get user")
	}

	return u, nil
}

func (db *PgRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, email, avatar_url, password_hash, created_at, updated_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Name, &u.EmailAddress, &u.AvatarUrl, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, notFound(err, "get user by email")
	}

	return u, nil
}

const upsertRoomQuery = "INSERT INTO chat_rooms (id, room_name, room_type, created_at, updated_at) " +
	"VALUES ($1, $2, 'direct', $3, $3) ON CONFLICT (id) DO NOTHING"

func (db *PgRepository) UpsertChatRoom(ctx context.Context, roomId, name string) error {
	_, err := db.conn.ExecContext(ctx, upsertRoomQuery, roomId, name, time.Now().UTC())
	return errors.Wrap(err, "upsert chat room")
}

func (db *PgRepository) AddRoomParticipants(ctx context.Context, roomId string, userIds ...int) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, userId := range userIds {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO chat_participants (room_id, user_id, status, joined_at) VALUES ($1, $2, 'connected', $3) "+
				"ON CONFLICT (room_id, user_id) DO UPDATE SET status = 'connected', joined_at = $3",
			roomId,
			userId,
			now,
		)
		if err != nil {
			return errors.Wrap(err, "add participant")
		}
	}

	return tx.Commit()
}

func (db *PgRepository) ListRoomParticipants(ctx context.Context, roomId string) ([]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id FROM chat_participants WHERE room_id = $1 ORDER BY user_id",
		roomId,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// CreateMessage stores a message, creating the room first when it does not exist.
func (db *PgRepository) CreateMessage(ctx context.Context, roomId string, senderId int, content string) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, upsertRoomQuery, roomId, "Chat "+roomId, now); err != nil {
		return Message{}, errors.Wrap(err, "upsert chat room")
	}

	row := tx.QueryRowContext(ctx,
		"INSERT INTO chat_messages (room_id, sender_id, message_text, message_type, created_at) "+
			"VALUES ($1, $2, $3, 'text', $4) RETURNING id, room_id, sender_id, message_text, message_type, created_at",
		roomId,
		senderId,
		content,
		now,
	)
	if err = row.Scan(&msg.Id, &msg.RoomId, &msg.SenderId, &msg.Content, &msg.Type, &msg.CreatedAt); err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}

	if err = tx.Commit(); err != nil {
		return Message{}, errors.Wrap(err, "commit")
	}

	return msg, nil
}

// ListMessages returns the most recent limit messages of a room, oldest first.
func (db *PgRepository) ListMessages(ctx context.Context, roomId string, limit int) ([]Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender_name, sender_avatar, message_text, message_type, created_at
		FROM (
			SELECT
				cm.id,
				cm.room_id,
				cm.sender_id,
				COALESCE(u.name, '') AS sender_name,
				COALESCE(u.avatar_url, '') AS sender_avatar,
				cm.message_text,
				cm.message_type,
				cm.created_at
			FROM chat_messages cm
			LEFT JOIN users u ON u.id = cm.sender_id
			WHERE cm.room_id = $1
			ORDER BY cm.created_at DESC, cm.id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC;
`

	rows, err := db.conn.QueryContext(ctx, query, roomId, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.Id, &m.RoomId, &m.SenderId, &m.SenderName, &m.SenderAvatar, &m.Content, &m.Type, &m.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// DeleteMessages removes the messages among ids that senderId sent in roomId
// and returns the ids that were actually deleted.
func (db *PgRepository) DeleteMessages(ctx context.Context, roomId string, senderId int, ids []int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		"DELETE FROM chat_messages WHERE room_id = $1 AND sender_id = $2 AND id = ANY($3) RETURNING id",
		roomId,
		senderId,
		pq.Array(ids),
	)
	if err != nil {
		return nil, errors.Wrap(err, "delete messages")
	}
	defer rows.Close()

	deleted := make([]int64, 0, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan deleted id")
		}
		deleted = append(deleted, id)
	}

	return deleted, rows.Err()
}

func (db *PgRepository) GetConnection(ctx context.Context, userA, userB int) (Connection, error) {
	user1, user2 := types.OrderedPair(userA, userB)
	row := db.conn.QueryRowContext(ctx,
		"SELECT user1_id, user2_id, status, room_id, created_at, updated_at FROM user_connections "+
			"WHERE user1_id = $1 AND user2_id = $2 LIMIT 1",
		user1,
		user2,
	)

	var c Connection
	if err := row.Scan(&c.User1Id, &c.User2Id, &c.Status, &c.RoomId, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Connection{}, notFound(err, "get connection")
	}

	return c, nil
}

func (db *PgRepository) UpsertConnection(ctx context.Context, userA, userB int, status, roomId string) error {
	user1, user2 := types.OrderedPair(userA, userB)
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO user_connections (user1_id, user2_id, status, room_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"ON CONFLICT (user1_id, user2_id) DO UPDATE SET status = $3, room_id = $4, updated_at = $5",
		user1,
		user2,
		status,
		roomId,
		time.Now().UTC(),
	)

	return errors.Wrap(err, "upsert connection")
}

func (db *PgRepository) DeleteConnection(ctx context.Context, userA, userB int) error {
	user1, user2 := types.OrderedPair(userA, userB)
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM user_connections WHERE user1_id = $1 AND user2_id = $2",
		user1,
		user2,
	)
	if err != nil {
		return errors.Wrap(err, "delete connection")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete connection")
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRepository) ListConnections(ctx context.Context, userId int) ([]Connection, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user1_id, user2_id, status, room_id, created_at, updated_at FROM user_connections "+
			"WHERE (user1_id = $1 OR user2_id = $1) AND status = 'connected' ORDER BY updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.User1Id, &c.User2Id, &c.Status, &c.RoomId, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan connection")
		}
		conns = append(conns, c)
	}

	return conns, rows.Err()
}

func (db *PgRepository) GetPendingAttempt(ctx context.Context, fromId, toId int) (ConnectionAttempt, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, from_user_id, to_user_id, room_id, status, created_at, expires_at "+
			"FROM connection_request_attempts "+
			"WHERE from_user_id = $1 AND to_user_id = $2 AND status = 'pending' "+
			"ORDER BY created_at DESC LIMIT 1",
		fromId,
		toId,
	)

	var (
		a         ConnectionAttempt
		expiresAt sql.NullTime
	)
	if err := row.Scan(&a.Id, &a.FromUserId, &a.ToUserId, &a.RoomId, &a.Status, &a.CreatedAt, &expiresAt); err != nil {
		return ConnectionAttempt{}, notFound(err, "get pending attempt")
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}

	return a, nil
}

func (db *PgRepository) UpsertAttempt(ctx context.Context, fromId, toId int, roomId string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO connection_request_attempts (from_user_id, to_user_id, room_id, status, created_at, expires_at) "+
			"VALUES ($1, $2, $3, 'pending', $4, NULL) "+
			"ON CONFLICT (from_user_id, to_user_id, room_id) "+
			"DO UPDATE SET status = 'pending', created_at = $4, expires_at = NULL",
		fromId,
		toId,
		roomId,
		time.Now().UTC(),
	)

	return errors.Wrap(err, "upsert attempt")
}

func (db *PgRepository) SetAttemptStatus(ctx context.Context, fromId, toId int, status AttemptStatus) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE connection_request_attempts SET status = $3 "+
			"WHERE from_user_id = $1 AND to_user_id = $2 AND status = 'pending'",
		fromId,
		toId,
		status,
	)

	return errors.Wrap(err, "set attempt status")
}

func (db *PgRepository) SetAttemptExpiry(ctx context.Context, fromId, toId int, expiresAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE connection_request_attempts SET expires_at = $3 "+
			"WHERE from_user_id = $1 AND to_user_id = $2 AND status = 'pending'",
		fromId,
		toId,
		expiresAt.UTC(),
	)

	return errors.Wrap(err, "set attempt expiry")
}

func (db *PgRepository) ExpirePendingAttempts(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE connection_request_attempts SET status = 'expired' "+
			"WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1",
		now.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "expire attempts")
	}

	return res.RowsAffected()
}

func (db *PgRepository) CreateOfflineNotification(ctx context.Context, userId int, notificationType string, payload []byte) (int64, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO offline_notifications (user_id, notification_type, notification_data, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id",
		userId,
		notificationType,
		payload,
		time.Now().UTC(),
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, errors.Wrap(err, "create offline notification")
	}

	return id, nil
}

// ListUndeliveredNotifications returns undelivered notifications created
// after since, oldest first.
func (db *PgRepository) ListUndeliveredNotifications(ctx context.Context, userId int, since time.Time) ([]OfflineNotification, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, user_id, notification_type, notification_data, created_at, delivered, delivered_at "+
			"FROM offline_notifications "+
			"WHERE user_id = $1 AND delivered = false AND created_at > $2 "+
			"ORDER BY created_at ASC, id ASC",
		userId,
		since.UTC(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()

	var notifications []OfflineNotification
	for rows.Next() {
		var (
			n           OfflineNotification
			payload     []byte
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(&n.Id, &n.UserId, &n.Type, &payload, &n.CreatedAt, &n.Delivered, &deliveredAt); err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		n.Payload = payload
		if deliveredAt.Valid {
			n.DeliveredAt = &deliveredAt.Time
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func (db *PgRepository) MarkNotificationsDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := db.conn.ExecContext(ctx,
		"UPDATE offline_notifications SET delivered = true, delivered_at = $2 WHERE id = ANY($1)",
		pq.Array(ids),
		time.Now().UTC(),
	)

	return errors.Wrap(err, "mark notifications delivered")
}

// ClearNotifications marks the given notifications of a user delivered, or
// all of them when ids is empty.
func (db *PgRepository) ClearNotifications(ctx context.Context, userId int, ids []int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if len(ids) > 0 {
		res, err = db.conn.ExecContext(ctx,
			"UPDATE offline_notifications SET delivered = true, delivered_at = $3 "+
				"WHERE user_id = $1 AND id = ANY($2) AND delivered = false",
			userId,
			pq.Array(ids),
			now,
		)
	} else {
		res, err = db.conn.ExecContext(ctx,
			"UPDATE offline_notifications SET delivered = true, delivered_at = $2 "+
				"WHERE user_id = $1 AND delivered = false",
			userId,
			now,
		)
	}
	if err != nil {
		return 0, errors.Wrap(err, "clear notifications")
	}

	return res.RowsAffected()
}
