package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/server"
	"github.com/npezzotti/go-wanderchat/internal/types"
)

var validate = validator.New()

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Name      string `json:"name" validate:"required,max=100"`
	Password  string `json:"password" validate:"required,min=8"`
	AvatarUrl string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

type ClearNotificationsRequest struct {
	Ids []int64 `json:"ids,omitempty" validate:"omitempty,dive,gt=0"`
}

type DeleteMessageRequest struct {
	RoomId    string `json:"room_id" validate:"required"`
	MessageId int64  `json:"message_id" validate:"required,gt=0"`
}

type BulkDeleteRequest struct {
	RoomId     string  `json:"room_id" validate:"required"`
	MessageIds []int64 `json:"message_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

// Session is returned on login. The token is also set as a cookie; clients
// that cannot use cookies send it as a bearer token or in the websocket
// register command.
type Session struct {
	types.User
	Token string `json:"token"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, op string, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("%s: %v", op, err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeRequest reads a JSON body into v and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeRequest(r *http.Request, v any, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !allowEmpty || !errors.Is(err, io.EOF) {
			return err
		}
	}

	return validate.Struct(v)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Name:         u.Name,
		EmailAddress: u.EmailAddress,
		AvatarUrl:    u.AvatarUrl,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeRequest(r, &req, false); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateUser(r.Context(), database.CreateUserParams{
		Name:         req.Name,
		EmailAddress: req.Email,
		AvatarUrl:    req.AvatarUrl,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, "create user", err)
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetUserById(r.Context(), userId)
	if err != nil {
		s.writeError(w, "get user", err)
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := decodeRequest(r, &lr, false); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetUserByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeError(w, "get user by email", err)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.auth.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, Session{User: toUser(dbUser), Token: token})
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) connectionStatus(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	otherId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil || otherId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status, err := s.cs.ConnectionStatus(r.Context(), userId, otherId)
	if err != nil {
		s.writeError(w, "connection status", err)
		return
	}

	s.writeJson(w, http.StatusOK, status)
}

func (s *GoChatApp) chats(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chats, err := s.cs.Chats(r.Context(), userId)
	if err != nil {
		s.writeError(w, "list chats", err)
		return
	}

	s.writeJson(w, http.StatusOK, chats)
}

func (s *GoChatApp) notifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	items, err := s.cs.Inbox(r.Context(), userId)
	if err != nil {
		s.writeError(w, "list notifications", err)
		return
	}

	s.writeJson(w, http.StatusOK, items)
}

func (s *GoChatApp) clearNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ClearNotificationsRequest
	if err := decodeRequest(r, &req, true); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	cleared, err := s.cs.ClearInbox(r.Context(), userId, req.Ids)
	if err != nil {
		s.writeError(w, "clear notifications", err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]int64{"cleared": cleared})
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.cs.History(r.Context(), userId, r.PathValue("roomId"), limit)
	if err != nil {
		s.writeError(w, "list messages", err)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessageRequest
	if err := decodeRequest(r, &req, false); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.removeMessages(w, r, req.RoomId, []int64{req.MessageId}, false)
}

func (s *GoChatApp) bulkDeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req BulkDeleteRequest
	if err := decodeRequest(r, &req, false); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.removeMessages(w, r, req.RoomId, req.MessageIds, true)
}

func (s *GoChatApp) removeMessages(w http.ResponseWriter, r *http.Request, roomId string, ids []int64, bulk bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	deleted, err := s.cs.DeleteMessages(r.Context(), userId, roomId, ids, bulk)
	if err != nil {
		s.writeError(w, "delete messages", err)
		return
	}

	s.writeJson(w, http.StatusOK, server.MessagesDeleted{
		RoomId:    roomId,
		Ids:       deleted,
		DeletedBy: userId,
		Bulk:      bulk,
	})
}

// serveWs upgrades the request. Credentials are optional here; a client that
// upgrades without them must present a token in its register command.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}

	var authUserId int
	if tokenString != "" {
		userId, err := s.auth.Authenticate(tokenString)
		if err != nil {
			s.log.Printf("failed to extract user id from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		authUserId = userId
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client, err := server.NewClient(conn, s.cs, s.log, authUserId)
	if err != nil {
		s.log.Println("new client:", err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
