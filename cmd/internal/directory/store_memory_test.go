package directory

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCreateAndLookup(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec, err := store.CreateUser(ctx, CreateUserInput{
		Email:       "Ann@Example.com",
		Password:    "longenoughpw",
		DisplayName: "Ann",
		Fields:      map[string]any{"city": "Oslo"},
		Now:         now,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected generated id")
	}
	if rec.EmailNorm != "ann@example.com" {
		t.Fatalf("email_norm = %q", rec.EmailNorm)
	}
	if rec.PasswordHash == "" || rec.PasswordHash == "longenoughpw" {
		t.Fatalf("password must be stored hashed")
	}
	if created, _ := rec.Server["created_at"].(string); created == "" {
		t.Fatalf("server segment not initialized: %+v", rec.Server)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisplayName != "Ann" || got.PublicFields["city"] != "Oslo" {
		t.Fatalf("unexpected record: %+v", got)
	}

	byEmail, err := store.GetByEmail(ctx, "ANN@example.COM")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if byEmail.ID != rec.ID {
		t.Fatalf("lookup by email returned %q, want %q", byEmail.ID, rec.ID)
	}
}

func TestInMemoryCreateValidationAndConflict(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "", Password: "longenoughpw"}); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for missing email, got %v", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "a@b.com", Password: ""}); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for missing password, got %v", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "a@b.com", Password: "short"}); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for weak password, got %v", err)
	}

	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "dup@example.com", Password: "longenoughpw"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "DUP@example.com", Password: "longenoughpw"}); !IsConflict(err) {
		t.Fatalf("expected ConflictError for duplicate email, got %v", err)
	}
}

func TestInMemorySavePublic(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	rec, err := store.CreateUser(ctx, CreateUserInput{Email: "ann@example.com", Password: "longenoughpw", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	updated, err := store.SavePublic(ctx, SavePublicInput{
		UserID:      rec.ID,
		DisplayName: "Ann Arbor",
		Fields:      map[string]any{"bio": "hi"},
	})
	if err != nil {
		t.Fatalf("SavePublic: %v", err)
	}
	if updated.DisplayName != "Ann Arbor" || updated.PublicFields["bio"] != "hi" {
		t.Fatalf("public segment not overwritten: %+v", updated)
	}
	if updated.Email != "ann@example.com" {
		t.Fatalf("empty email in save must keep the stored one, got %q", updated.Email)
	}
	if updated.Private["email"] != "ann@example.com" {
		t.Fatalf("private segment must survive a public save: %+v", updated.Private)
	}

	if _, err := store.SavePublic(ctx, SavePublicInput{UserID: "missing"}); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	// Email uniqueness holds across saves too.
	other, err := store.CreateUser(ctx, CreateUserInput{Email: "bob@example.com", Password: "longenoughpw"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.SavePublic(ctx, SavePublicInput{UserID: other.ID, Email: "ann@example.com"}); !IsConflict(err) {
		t.Fatalf("expected ConflictError on email takeover, got %v", err)
	}
}

func TestInMemorySetServer(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	rec, err := store.CreateUser(ctx, CreateUserInput{Email: "ann@example.com", Password: "longenoughpw"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	updated, err := store.SetServer(ctx, rec.ID, map[string]any{"flag": true})
	if err != nil {
		t.Fatalf("SetServer: %v", err)
	}
	if updated.Server["flag"] != true {
		t.Fatalf("server segment not overwritten: %+v", updated.Server)
	}
	if _, ok := updated.Server["created_at"]; ok {
		t.Fatalf("SetServer overwrites, not merges: %+v", updated.Server)
	}

	if _, err := store.SetServer(ctx, "missing", nil); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestInMemoryStoresCopies(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	fields := map[string]any{"city": "Oslo"}
	rec, err := store.CreateUser(ctx, CreateUserInput{Email: "ann@example.com", Password: "longenoughpw", Fields: fields})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	fields["city"] = "Bergen"
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PublicFields["city"] != "Oslo" {
		t.Fatalf("store must hold its own copies, got %+v", got.PublicFields)
	}
}
