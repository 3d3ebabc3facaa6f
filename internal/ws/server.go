package ws

import (
	"log/slog"
	"net/http"

	"folio/internal/session"
	"folio/internal/store"
	"folio/internal/window"

	"github.com/gorilla/websocket"
)

// Server authenticates incoming websocket requests and runs one
// Connection (with its own window controller) per socket.
type Server struct {
	sessions *session.Service
	resolver window.ConversationResolver
	messages store.MessageStore
	live     window.LiveChannel
	upgrader *websocket.Upgrader
}

func NewServer(
	sessions *session.Service,
	resolver window.ConversationResolver,
	messages store.MessageStore,
	live window.LiveChannel,
) *Server {
	return &Server{
		sessions: sessions,
		resolver: resolver,
		messages: messages,
		live:     live,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) token(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resolve(s.token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	renderer := newEventRenderer()
	controller := window.New(window.Config{
		Self:     sess.Participant,
		Resolver: s.resolver,
		Messages: s.messages,
		Live:     s.live,
		Renderer: renderer,
	})

	conn := NewConnection(ws, controller, s.sessions, renderer)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Debug("websocket connection ended", "user_id", sess.Participant.ID, "error", err)
	}
}
