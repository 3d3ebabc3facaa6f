package session

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

type memoryCredentialStore struct {
	saved map[string]Credentials
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{saved: make(map[string]Credentials)}
}

func (s *memoryCredentialStore) UpsertCredentials(credentials Credentials) error {
	s.saved[credentials.UserName] = credentials
	return nil
}

func (s *memoryCredentialStore) ListCredentials() ([]Credentials, error) {
	all := make([]Credentials, 0, len(s.saved))
	for _, c := range s.saved {
		all = append(all, c)
	}
	return all, nil
}

func newTestService(t *testing.T) (*Service, *memoryCredentialStore) {
	t.Helper()
	store := newMemoryCredentialStore()
	svc, err := NewService(context.Background(), Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("test-secret")),
		TokenExpiry: time.Hour,
	}, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, store := newTestService(t)

	participant, err := svc.Register(RegisterRequest{
		Username:    "alice",
		Password:    "secret123",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if participant.ID == "" {
		t.Fatal("Register did not assign an id")
	}
	if _, ok := store.saved["alice"]; !ok {
		t.Error("credentials not persisted")
	}

	t.Run("DuplicateUsername", func(t *testing.T) {
		_, err := svc.Register(RegisterRequest{Username: "alice", Password: "other"})
		if !errors.Is(err, ErrParticipantExists) {
			t.Errorf("expected ErrParticipantExists, got %v", err)
		}
	})

	t.Run("InvalidUsername", func(t *testing.T) {
		if _, err := svc.Register(RegisterRequest{Username: "bad name!", Password: "x"}); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("DisplayNameSanitized", func(t *testing.T) {
		p, err := svc.Register(RegisterRequest{
			Username:    "bob",
			Password:    "pw",
			DisplayName: "<script>x</script>Bob",
		})
		if err != nil {
			t.Fatal(err)
		}
		if p.DisplayName != "Bob" {
			t.Errorf("display name not sanitized: %q", p.DisplayName)
		}
	})

	t.Run("LoginSuccess", func(t *testing.T) {
		resp, userID := svc.Login(LoginRequest{Username: "alice", Password: "secret123"})
		if !resp.Success {
			t.Fatalf("login failed: %s", resp.Message)
		}
		if resp.Token == "" {
			t.Fatal("no token issued")
		}
		if userID != participant.ID {
			t.Errorf("expected user id %s, got %s", participant.ID, userID)
		}

		sess, err := svc.Resolve(resp.Token)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if sess.Participant.ID != participant.ID {
			t.Errorf("session resolves to wrong participant: %s", sess.Participant.ID)
		}
	})

	t.Run("LoginWrongPassword", func(t *testing.T) {
		resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
		if resp.Success {
			t.Error("login with wrong password succeeded")
		}
	})

	t.Run("LoginUnknownUser", func(t *testing.T) {
		resp, _ := svc.Login(LoginRequest{Username: "nobody", Password: "x"})
		if resp.Success {
			t.Error("login for unknown user succeeded")
		}
	})
}

func TestLoginThrottling(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Register(RegisterRequest{Username: "alice", Password: "right"}); err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return now }

	for range 5 {
		if resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "wrong"}); resp.Success {
			t.Fatal("wrong password accepted")
		}
	}

	// Correct password is throttled while the backoff window is open.
	resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "right"})
	if resp.Success {
		t.Fatal("throttle did not block the attempt")
	}

	// After the backoff elapses the correct password works again.
	now = now.Add(time.Hour)
	resp, _ = svc.Login(LoginRequest{Username: "alice", Password: "right"})
	if !resp.Success {
		t.Fatalf("login after backoff failed: %s", resp.Message)
	}
}

func TestResolve(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Resolve(""); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired for empty token, got %v", err)
	}
	if _, err := svc.Resolve("bogus"); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("expected ErrAuthRequired for unknown token, got %v", err)
	}
}

func TestLogoff(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Register(RegisterRequest{Username: "alice", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	resp, _ := svc.Login(LoginRequest{Username: "alice", Password: "pw"})
	if !resp.Success {
		t.Fatal("login failed")
	}

	if err := svc.Logoff(resp.Token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := svc.Resolve(resp.Token); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("token survived logoff: %v", err)
	}
}

func TestParticipants(t *testing.T) {
	svc, _ := newTestService(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := svc.Register(RegisterRequest{Username: name, Password: "pw"}); err != nil {
			t.Fatal(err)
		}
	}

	all := svc.Participants()
	if len(all) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(all))
	}

	byID, err := svc.Participant(all[0].ID)
	if err != nil {
		t.Fatalf("Participant failed: %v", err)
	}
	if byID.UserName != all[0].UserName {
		t.Errorf("lookup mismatch: %+v vs %+v", byID, all[0])
	}
}

func TestUpdateAvatar(t *testing.T) {
	svc, store := newTestService(t)
	p, err := svc.Register(RegisterRequest{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateAvatar(p.ID, "/api/images/abc"); err != nil {
		t.Fatalf("UpdateAvatar failed: %v", err)
	}

	updated, err := svc.Participant(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.AvatarURL != "/api/images/abc" {
		t.Errorf("avatar not updated: %q", updated.AvatarURL)
	}
	if store.saved["alice"].AvatarURL != "/api/images/abc" {
		t.Error("avatar change not persisted")
	}

	if err := svc.UpdateAvatar("no-such-id", "x"); err == nil {
		t.Error("expected error for unknown participant")
	}
}
