package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/config"
	"github.com/npezzotti/caresync-rtc/internal/database"
	"github.com/npezzotti/caresync-rtc/internal/server"
	"go.uber.org/zap"
)

const nextCursorHeader = "X-Next-Cursor"

type App struct {
	log            *zap.Logger
	store          database.MessageStore
	chat           *chat.Service
	cs             *server.ChatServer
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, chatSvc *chat.Service, store database.MessageStore, cfg *config.Config) *App {
	s := &App{
		log:            logger.Named("api"),
		store:          store,
		chat:           chatSvc,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/chat/history/{otherUserId}", s.authMiddleware(s.getHistory))
	mux.Handle("POST /api/chat/send", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /api/chat/unread-counts/{doctorId}", s.authMiddleware(s.unreadCountsForDoctor))
	mux.Handle("GET /api/chat/unread-counts-patient/{patientId}", s.authMiddleware(s.unreadCountsForPatient))
	mux.Handle("POST /api/chat/mark-read/{counterpartId}", s.authMiddleware(s.markRead))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("/", s.notFound)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.ExposedHeaders([]string{nextCursorHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Handler() http.Handler {
	return s.srv.Handler
}

func (s *App) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
