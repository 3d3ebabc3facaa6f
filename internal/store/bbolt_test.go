package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"folio/internal/models"
	"folio/internal/session"
)

func TestBboltStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "store_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Deterministic, strictly increasing clock so message keys never
	// collide on the timestamp.
	clock := time.Unix(1700000000, 0)
	store.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	ctx := context.Background()

	t.Run("Credentials", func(t *testing.T) {
		creds := session.Credentials{
			Participant: models.Participant{
				ID:          "user1",
				UserName:    "alice",
				DisplayName: "Alice",
			},
			PasswordHash: "hash",
		}

		if err := store.UpsertCredentials(creds); err != nil {
			t.Fatalf("UpsertCredentials failed: %v", err)
		}

		listCreds, err := store.ListCredentials()
		if err != nil {
			t.Fatalf("ListCredentials failed: %v", err)
		}
		if len(listCreds) != 1 {
			t.Fatalf("expected 1 credential, got %d", len(listCreds))
		}
		if listCreds[0].ID != creds.ID {
			t.Errorf("expected ID %s, got %s", creds.ID, listCreds[0].ID)
		}
		if listCreds[0].PasswordHash != creds.PasswordHash {
			t.Errorf("expected hash %s, got %s", creds.PasswordHash, listCreds[0].PasswordHash)
		}
	})

	var convID string

	t.Run("Conversations", func(t *testing.T) {
		if _, err := store.GetByPair(ctx, "alice", "bob"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing pair, got %v", err)
		}

		conv, err := store.FindOrCreate(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("FindOrCreate failed: %v", err)
		}
		if conv.LowID != "alice" || conv.HighID != "bob" {
			t.Errorf("wrong pair stored: (%s, %s)", conv.LowID, conv.HighID)
		}
		convID = conv.ID

		// A second call converges on the same row.
		again, err := store.FindOrCreate(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("second FindOrCreate failed: %v", err)
		}
		if again.ID != conv.ID {
			t.Errorf("FindOrCreate created a duplicate: %s vs %s", again.ID, conv.ID)
		}

		byPair, err := store.GetByPair(ctx, "alice", "bob")
		if err != nil {
			t.Fatalf("GetByPair failed: %v", err)
		}
		if byPair.ID != conv.ID {
			t.Errorf("GetByPair returned %s, expected %s", byPair.ID, conv.ID)
		}

		byID, err := store.Get(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if byID.LowID != "alice" {
			t.Errorf("Get returned wrong conversation: %+v", byID)
		}
	})

	t.Run("Messages", func(t *testing.T) {
		if _, err := store.Insert(ctx, "no-such-conversation", "alice", "hi"); !errors.Is(err, ErrWrite) {
			t.Fatalf("expected ErrWrite for unknown conversation, got %v", err)
		}

		var inserted []models.Message
		for _, text := range []string{"one", "two", "three", "four", "five"} {
			msg, err := store.Insert(ctx, convID, "alice", text)
			if err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
			if msg.ID == "" {
				t.Fatal("Insert did not assign an id")
			}
			inserted = append(inserted, msg)
		}

		t.Run("FetchPageDescending", func(t *testing.T) {
			page, err := store.FetchPage(ctx, convID, 0, 2)
			if err != nil {
				t.Fatalf("FetchPage failed: %v", err)
			}
			if len(page) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(page))
			}
			if page[0].Content != "five" || page[1].Content != "four" {
				t.Errorf("wrong order: got %s, %s", page[0].Content, page[1].Content)
			}
		})

		t.Run("PaginationTerminates", func(t *testing.T) {
			page, err := store.FetchPage(ctx, convID, 2, 2)
			if err != nil {
				t.Fatalf("FetchPage failed: %v", err)
			}
			// 5 messages, page size 2: the third page holds one message,
			// signalling the end of history.
			if len(page) != 1 {
				t.Fatalf("expected short page of 1, got %d", len(page))
			}
			if page[0].Content != "one" {
				t.Errorf("expected oldest message, got %s", page[0].Content)
			}

			empty, err := store.FetchPage(ctx, convID, 3, 2)
			if err != nil {
				t.Fatalf("FetchPage failed: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("expected empty page past the end, got %d", len(empty))
			}
		})

		t.Run("EmptyConversation", func(t *testing.T) {
			other, err := store.FindOrCreate(ctx, "alice", "carol")
			if err != nil {
				t.Fatal(err)
			}
			page, err := store.FetchPage(ctx, other.ID, 0, 10)
			if err != nil {
				t.Fatalf("FetchPage failed: %v", err)
			}
			if len(page) != 0 {
				t.Errorf("expected no messages, got %d", len(page))
			}
		})

		t.Run("MarkRead", func(t *testing.T) {
			target := inserted[0]
			if err := store.MarkRead(ctx, target.ID); err != nil {
				t.Fatalf("MarkRead failed: %v", err)
			}
			// Idempotent on repeat and on unknown ids.
			if err := store.MarkRead(ctx, target.ID); err != nil {
				t.Fatalf("second MarkRead failed: %v", err)
			}
			if err := store.MarkRead(ctx, "no-such-message"); err != nil {
				t.Fatalf("MarkRead for unknown id failed: %v", err)
			}

			page, err := store.FetchPage(ctx, convID, 2, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(page) != 1 || !page[0].Read {
				t.Errorf("read flag not persisted: %+v", page)
			}

			// Only the marked message changed.
			newest, err := store.FetchPage(ctx, convID, 0, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(newest) != 1 || newest[0].Read {
				t.Errorf("unrelated message changed: %+v", newest)
			}
		})
	})

	t.Run("PushSubscriptions", func(t *testing.T) {
		if _, err := store.GetPushSubscription("user1"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		blob := []byte(`{"endpoint":"https://push.example/abc"}`)
		if err := store.UpsertPushSubscription("user1", blob); err != nil {
			t.Fatalf("UpsertPushSubscription failed: %v", err)
		}

		got, err := store.GetPushSubscription("user1")
		if err != nil {
			t.Fatalf("GetPushSubscription failed: %v", err)
		}
		if string(got) != string(blob) {
			t.Errorf("expected %s, got %s", blob, got)
		}
	})
}
