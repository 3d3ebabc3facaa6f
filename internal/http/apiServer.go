// Package http assembles the mux and owns the HTTP server lifecycle.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"folio/internal/api"
	"folio/internal/filestore"
	"folio/internal/notify"
	"folio/internal/session"
	"folio/internal/store"
	"folio/internal/window"
	"folio/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	sessions *session.Service,
	resolver window.ConversationResolver,
	messages store.MessageStore,
	live window.LiveChannel,
	images filestore.ImageStore,
	pusher *notify.Pusher,
	presence api.PresenceSource,
	addr string,
) *APIServer {
	wsServer := ws.NewServer(sessions, resolver, messages, live)
	handlers := api.New(sessions, images, pusher, presence)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(handlers.RegisterHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("GET /api/participants", handlers.RequireAuth(handlers.ParticipantsHandler))
	mux.HandleFunc("POST /api/me/avatar", api.RequireSameOrigin(handlers.RequireAuth(handlers.UploadAvatarHandler)))
	mux.HandleFunc("POST /api/upload/image", api.RequireSameOrigin(handlers.RequireAuth(handlers.UploadImageHandler)))
	mux.HandleFunc("GET /api/images/{id}", handlers.GetImageHandler)
	mux.HandleFunc("GET /api/push/key", handlers.RequireAuth(handlers.PushKeyHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushSubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
