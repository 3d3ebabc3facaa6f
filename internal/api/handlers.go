// Package api exposes the REST surface around the chat: registration,
// login, participant profiles, avatar and image uploads, and push
// subscription management. The chat itself runs over the websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"folio/internal/filestore"
	"folio/internal/models"
	"folio/internal/notify"
	"folio/internal/session"
)

// maxUploadBytes caps avatar and image uploads.
const maxUploadBytes = 10 << 20

// PresenceSource answers whether a participant is currently connected.
// Implemented by *live.Hub.
type PresenceSource interface {
	Online(userID string) models.Presence
}

type API struct {
	sessions *session.Service
	images   filestore.ImageStore
	pusher   *notify.Pusher
	presence PresenceSource
}

func New(sessions *session.Service, images filestore.ImageStore, pusher *notify.Pusher, presence PresenceSource) *API {
	return &API{sessions: sessions, images: images, pusher: pusher, presence: presence}
}

type contextKey string

const sessionKey contextKey = "session"

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the caller's session and stores it in the
// request context, or answers 401.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.sessions.Resolve(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	}
}

func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionKey).(*session.Session)
	return sess
}

// RequireSameOrigin rejects state-changing requests whose Origin does
// not match the request host. A missing Origin header passes, for
// non-browser clients.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			parsed, err := url.Parse(origin)
			if err != nil || parsed.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req session.LoginRequest

	// Support both JSON and Form (since frontend uses x-www-form-urlencoded)
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp, _ := a.sessions.Login(req)
	if !resp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, resp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	writeJSON(w, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.sessions.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req session.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	participant, err := a.sessions.Register(req)
	if err != nil {
		if errors.Is(err, session.ErrParticipantExists) {
			http.Error(w, "Username is taken", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, participant)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, sessionFrom(r).Participant)
}

func (a *API) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants := a.sessions.Participants()
	for i := range participants {
		participants[i].Presence = a.presence.Online(participants[i].ID)
	}
	writeJSON(w, participants)
}

func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, _, err := r.FormFile("avatar")
	if err != nil {
		http.Error(w, "Missing avatar file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	ref, err := a.images.Save(file)
	if err != nil {
		if errors.Is(err, filestore.ErrNotImage) {
			http.Error(w, "Avatar must be an image", http.StatusUnsupportedMediaType)
			return
		}
		slog.Error("avatar upload failed", "user_id", sess.Participant.ID, "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	avatarURL := "/api/images/" + ref.ID
	if err := a.sessions.UpdateAvatar(sess.Participant.ID, avatarURL); err != nil {
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"avatarUrl": avatarURL})
}

func (a *API) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Missing image file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	ref, err := a.images.Save(file)
	if err != nil {
		if errors.Is(err, filestore.ErrNotImage) {
			http.Error(w, "File must be an image", http.StatusUnsupportedMediaType)
			return
		}
		slog.Error("image upload failed", "user_id", sess.Participant.ID, "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ref)
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	content, mime, err := a.images.Open(id)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = content.Close() }()

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, content); err != nil {
		slog.Debug("image response interrupted", "id", id, "error", err)
	}
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if !a.pusher.Enabled() {
		http.Error(w, "Push is not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"publicKey": a.pusher.PublicKey()})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.pusher.Subscribe(sess.Participant.ID, blob); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
