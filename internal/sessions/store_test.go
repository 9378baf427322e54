package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/arc/pkg/models"
)

func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "arc.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			session := &models.Session{Title: "run"}
			if err := store.Create(ctx, session); err != nil {
				t.Fatalf("create: %v", err)
			}
			if session.ID == "" {
				t.Fatal("create did not assign an ID")
			}
			if session.Status != models.SessionActive {
				t.Errorf("status = %s, want active", session.Status)
			}

			session.Status = models.SessionHITLPending
			session.LastSeq = 42
			if err := store.Update(ctx, session); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := store.Get(ctx, session.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != models.SessionHITLPending || got.LastSeq != 42 {
				t.Errorf("got %+v", got)
			}

			if err := store.Delete(ctx, session.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestStoreMessageHistory(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := &models.Session{}
			if err := store.Create(ctx, session); err != nil {
				t.Fatalf("create: %v", err)
			}

			base := time.Now().Add(-time.Minute)
			for i, text := range []string{"first", "second", "third"} {
				msg := models.UserMessage(text)
				msg.CreatedAt = base.Add(time.Duration(i) * time.Second)
				if err := store.AppendMessage(ctx, session.ID, &msg); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}

			history, err := store.History(ctx, session.ID, 0)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("history length = %d", len(history))
			}
			if history[0].Text() != "first" || history[2].Text() != "third" {
				t.Errorf("history out of order: %q .. %q", history[0].Text(), history[2].Text())
			}

			recent, err := store.History(ctx, session.ID, 2)
			if err != nil {
				t.Fatalf("limited history: %v", err)
			}
			if len(recent) != 2 || recent[0].Text() != "second" {
				t.Errorf("limited history wrong: %v", recent)
			}

			if err := store.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser}); !errors.Is(err, ErrNotFound) {
				t.Errorf("append to missing session: %v", err)
			}
		})
	}
}

func TestMemoryStoreClonesMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := &models.Session{}
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	msg := models.UserMessage("original")
	if err := store.AppendMessage(ctx, session.ID, &msg); err != nil {
		t.Fatal(err)
	}
	msg.Content[0].Text = "mutated"

	history, err := store.History(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if history[0].Text() != "original" {
		t.Error("stored message aliased caller's block slice")
	}
}

func TestResumeTokens(t *testing.T) {
	service := NewResumeTokenService("test-secret", time.Hour)

	token, err := service.Mint("sess-1", "msg-9", 120)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := service.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "sess-1" || claims.MessageID != "msg-9" || claims.Seq != 120 {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := NewResumeTokenService("other-secret", time.Hour).Validate(token); !errors.Is(err, ErrInvalidResumeTok) {
		t.Error("token accepted with wrong secret")
	}

	expired := NewResumeTokenService("test-secret", -time.Hour)
	expiredToken, err := expired.Mint("sess-1", "", 0)
	if err != nil {
		t.Fatalf("mint expired: %v", err)
	}
	if _, err := service.Validate(expiredToken); err == nil {
		t.Error("expired token accepted")
	}

	var disabled *ResumeTokenService
	if _, err := disabled.Mint("sess-1", "", 0); !errors.Is(err, ErrResumeDisabled) {
		t.Errorf("nil service mint: %v", err)
	}
}
