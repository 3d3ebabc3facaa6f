package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"folio/internal/content"
	"folio/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrParticipantExists = errors.New("participant already exists")

	// ErrAuthRequired means no local identity could be resolved for the
	// caller. The chat is unavailable until they log in; this is never
	// retried automatically.
	ErrAuthRequired = errors.New("authentication required")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// Credentials holds a participant profile together with the secrets
// needed to authenticate them.
type Credentials struct {
	models.Participant
	PasswordHash string
	// Counter of consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

// CredentialStore persists participant credentials across restarts.
type CredentialStore interface {
	UpsertCredentials(credentials Credentials) error
	ListCredentials() ([]Credentials, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Session is the resolved identity of the locally authenticated
// participant. It is created once per login token and its Participant
// is immutable for the session's lifetime.
type Session struct {
	Participant models.Participant
}

// Service authenticates participants and resolves sessions from
// tokens. Credentials are cached in memory and written through to the
// store on change.
type Service struct {
	Config
	store       CredentialStore
	credentials *geche.Locker[string, *Credentials]
	profiles    geche.Geche[string, models.Participant]
	liveTokens  geche.Geche[string, string]
	now         func() time.Time
}

func NewService(ctx context.Context, config Config, store CredentialStore) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		Config:      config,
		store:       store,
		credentials: geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		profiles:    geche.NewMapCache[string, models.Participant](),
		liveTokens:  geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:         time.Now,
	}

	stored, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := s.credentials.Lock()
	defer tx.Unlock()
	for _, c := range stored {
		c := c
		tx.Set(c.UserName, &c)
		s.profiles.Set(c.ID, c.Participant)
	}

	return s, nil
}

func (s *Service) hashPassword(username, password string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(username + password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Register creates a new participant with the given credentials.
func (s *Service) Register(req RegisterRequest) (models.Participant, error) {
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.Participant{}, err
	}
	if req.Password == "" {
		return models.Participant{}, errors.New("password cannot be empty")
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	tx := s.credentials.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(req.Username); err == nil {
		return models.Participant{}, ErrParticipantExists
	}

	credentials := &Credentials{
		Participant: models.Participant{
			ID:          uuid.NewString(),
			UserName:    req.Username,
			DisplayName: displayName,
		},
		PasswordHash: s.hashPassword(req.Username, req.Password),
	}

	if err := s.store.UpsertCredentials(*credentials); err != nil {
		return models.Participant{}, fmt.Errorf("failed to persist credentials: %w", err)
	}

	tx.Set(req.Username, credentials)
	s.profiles.Set(credentials.ID, credentials.Participant)

	return credentials.Participant, nil
}

func (s *Service) Login(req LoginRequest) (LoginResponse, string) {
	now := s.now()
	tx := s.credentials.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	// Use constant-time comparison for password hashes
	currentHash := s.hashPassword(req.Username, req.Password)
	if !hmac.Equal([]byte(user.PasswordHash), []byte(currentHash)) {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := s.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	s.liveTokens.Set(token, user.ID)
	user.ResetFailedLoginAttempts(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(s.TokenExpiry.Seconds()),
	}, user.ID
}

func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Resolve turns a login token into a Session. It fails with
// ErrAuthRequired when the token is missing, expired or unknown.
func (s *Service) Resolve(token string) (*Session, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}
	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return nil, ErrAuthRequired
	}
	participant, err := s.profiles.Get(userID)
	if err != nil {
		return nil, ErrAuthRequired
	}
	return &Session{Participant: participant}, nil
}

// Participant returns the profile of any known participant by id.
func (s *Service) Participant(id string) (models.Participant, error) {
	participant, err := s.profiles.Get(id)
	if err != nil {
		return models.Participant{}, models.ErrNotFound
	}
	return participant, nil
}

// Participants returns the profiles of all known participants.
func (s *Service) Participants() []models.Participant {
	tx := s.credentials.Lock()
	defer tx.Unlock()

	all := tx.Snapshot()
	participants := make([]models.Participant, 0, len(all))
	for _, c := range all {
		participants = append(participants, c.Participant)
	}
	return participants
}

// UpdateAvatar stores a new avatar URL for the participant and
// persists the change.
func (s *Service) UpdateAvatar(userID, avatarURL string) error {
	tx := s.credentials.Lock()
	defer tx.Unlock()

	for _, c := range tx.Snapshot() {
		if c.ID != userID {
			continue
		}
		c.AvatarURL = avatarURL
		s.profiles.Set(c.ID, c.Participant)
		return s.store.UpsertCredentials(*c)
	}
	return models.ErrNotFound
}
