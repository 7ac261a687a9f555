package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/chat"
	"github.com/npezzotti/pawchat/internal/config"
	"github.com/npezzotti/pawchat/internal/database"
	"github.com/npezzotti/pawchat/internal/server"
)

type PawChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	chat           *chat.Service
	auth           *auth.Authenticator
	allowedOrigins []string
}

// NewPawChatApp mounts the chat routes on mux. Routes registered on mux by
// others, such as /metrics, are served alongside them.
func NewPawChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, svc *chat.Service, db database.ChatRepository, cfg *config.Config) *PawChatApp {
	s := &PawChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		chat:           svc,
		auth:           auth.NewAuthenticator(cfg.SigningKey, db),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.openRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/rooms/list", s.authMiddleware(s.listRooms))
	mux.Handle("POST /api/rooms/close", s.authMiddleware(s.closeRoom))
	mux.Handle("POST /api/rooms/block", s.authMiddleware(s.blockRoom))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/wallpaper", s.authMiddleware(s.getWallpaper))
	mux.Handle("PUT /api/wallpaper", s.authMiddleware(s.putWallpaper))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
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

func (s *PawChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *PawChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *PawChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
