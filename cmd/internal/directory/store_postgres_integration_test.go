package directory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when HALO_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CreateGetSave(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rec, err := store.CreateUser(ctx, CreateUserInput{
		Email:       "it-ann@example.com",
		Password:    "longenoughpw",
		DisplayName: "Ann",
		Fields:      map[string]any{"city": "Oslo"},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if rec.ID == "" || rec.PasswordHash == "" {
		t.Fatalf("incomplete record: %+v", rec)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EmailNorm != "it-ann@example.com" || got.PublicFields["city"] != "Oslo" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Private["email"] != "it-ann@example.com" {
		t.Fatalf("private segment mismatch: %+v", got.Private)
	}

	byEmail, err := store.GetByEmail(ctx, "IT-ANN@example.com")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if byEmail.ID != rec.ID {
		t.Fatalf("GetByEmail returned %q, want %q", byEmail.ID, rec.ID)
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
		t.Fatalf("save not applied: %+v", updated)
	}
	if updated.Email != "it-ann@example.com" {
		t.Fatalf("email must survive a save without email, got %q", updated.Email)
	}

	srv, err := store.SetServer(ctx, rec.ID, map[string]any{"flag": true})
	if err != nil {
		t.Fatalf("SetServer: %v", err)
	}
	if srv.Server["flag"] != true {
		t.Fatalf("server segment not overwritten: %+v", srv.Server)
	}
}

func TestPostgresStore_EmailConflictAndNotFound(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "dup@example.com", Password: "longenoughpw"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserInput{Email: "DUP@example.com", Password: "longenoughpw"}); !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	if _, err := store.Get(ctx, "01JXNOPE00000000000000000"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := store.SavePublic(ctx, SavePublicInput{UserID: "01JXNOPE00000000000000000"}); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError from save, got %v", err)
	}
}

// ---- test helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HALO_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HALO_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse HALO_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "halo_it_" + strings.ToLower(id[len(id)-8:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  email         TEXT NOT NULL,
  email_norm    TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  display_name  TEXT NOT NULL DEFAULT '',
  public_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
  private       JSONB NOT NULL DEFAULT '{}'::jsonb,
  server        JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_users_email_norm UNIQUE (email_norm),
  CONSTRAINT chk_users_email_len CHECK (char_length(email) > 0)
);

CREATE INDEX IF NOT EXISTS idx_users_email_norm ON %s (email_norm);
`, users, users)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
