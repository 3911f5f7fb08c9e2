package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-wanderchat/internal/config"
	"github.com/npezzotti/go-wanderchat/internal/database"
	"github.com/npezzotti/go-wanderchat/internal/server"
	"github.com/npezzotti/go-wanderchat/internal/stats"
)

type GoChatApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	auth           *TokenAuthenticator
	signingKey     []byte
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository, su stats.StatsProvider, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		stats:          su,
		auth:           NewTokenAuthenticator(cfg.SigningKey),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/connections/{userId}", s.authMiddleware(s.connectionStatus))
	mux.HandleFunc("GET /api/chats", s.authMiddleware(s.chats))
	mux.HandleFunc("GET /api/notifications", s.authMiddleware(s.notifications))
	mux.HandleFunc("POST /api/notifications/clear", s.authMiddleware(s.clearNotifications))
	mux.HandleFunc("GET /api/rooms/{roomId}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/messages/delete", s.authMiddleware(s.deleteMessage))
	mux.HandleFunc("POST /api/messages/bulk-delete", s.authMiddleware(s.bulkDeleteMessages))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
