//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hearthvault/gatekeeper/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "gatekeeper_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/gatekeeper_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/gatekeeper_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// createTestFlag creates a flag with a unique key; flag keys are global.
func createTestFlag(t *testing.T, repo *repository.PostgresRepository, suffix string) repository.Flag {
	t.Helper()
	ctx := context.Background()
	flag, err := repo.CreateFlag(ctx, repository.Flag{
		ID:     uuid.NewString(),
		Key:    fmt.Sprintf("test-%s-%s", suffix, randID()),
		Name:   "Integration Test Flag",
		Status: "active",
	})
	if err != nil {
		t.Fatalf("create test flag: %v", err)
	}
	return flag
}

// ---------------------------------------------------------------------------
// Flag CRUD
// ---------------------------------------------------------------------------

func TestFlagCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		key := fmt.Sprintf("feature-%s", randID())
		flag := repository.Flag{
			ID:           uuid.NewString(),
			Key:          key,
			Name:         "Feature X",
			Description:  "test flag",
			Status:       "active",
			ForceOn:      true,
			AllowUserIDs: []string{"u1", "u2"},
			AllowDomains: []string{"@hearthvault.app"},
		}
		created, err := repo.CreateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("CreateFlag: %v", err)
		}
		if created.Key != key {
			t.Errorf("Key = %q, want %q", created.Key, key)
		}
		if created.Version != 1 {
			t.Errorf("Version = %d, want 1", created.Version)
		}
		if !created.ForceOn {
			t.Error("ForceOn = false, want true")
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetFlag(ctx, key)
		if err != nil {
			t.Fatalf("GetFlag: %v", err)
		}
		if got.Description != created.Description {
			t.Errorf("got Description = %q, want %q", got.Description, created.Description)
		}
		if len(got.AllowUserIDs) != 2 {
			t.Errorf("AllowUserIDs = %v, want [u1 u2]", got.AllowUserIDs)
		}
		if len(got.AllowDomains) != 1 || got.AllowDomains[0] != "@hearthvault.app" {
			t.Errorf("AllowDomains = %v, want [@hearthvault.app]", got.AllowDomains)
		}
	})

	t.Run("duplicate key returns error", func(t *testing.T) {
		flag := createTestFlag(t, repo, "dup")

		_, err := repo.CreateFlag(ctx, repository.Flag{ID: uuid.NewString(), Key: flag.Key, Name: "dup", Status: "active"})
		if err == nil {
			t.Fatal("expected error for duplicate key, got nil")
		}
	})

	t.Run("update bumps version", func(t *testing.T) {
		flag := createTestFlag(t, repo, "update")

		flag.Description = "updated"
		flag.ForceOff = true
		updated, err := repo.UpdateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}
		if updated.Description != "updated" {
			t.Errorf("Description = %q, want %q", updated.Description, "updated")
		}
		if !updated.ForceOff {
			t.Error("ForceOff = false, want true")
		}
		if updated.Version != flag.Version+1 {
			t.Errorf("Version = %d, want %d", updated.Version, flag.Version+1)
		}
	})

	t.Run("update with stale version returns error", func(t *testing.T) {
		flag := createTestFlag(t, repo, "stale")

		if _, err := repo.UpdateFlag(ctx, flag); err != nil {
			t.Fatalf("UpdateFlag first: %v", err)
		}

		// Version is still the original; the row is now one ahead.
		_, err := repo.UpdateFlag(ctx, flag)
		if err == nil {
			t.Fatal("expected error for stale version, got nil")
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("update nonexistent returns error", func(t *testing.T) {
		_, err := repo.UpdateFlag(ctx, repository.Flag{
			Key:     fmt.Sprintf("missing-%s", randID()),
			Status:  "active",
			Version: 1,
		})
		if err == nil {
			t.Fatal("expected error for nonexistent flag, got nil")
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("archive via status update", func(t *testing.T) {
		flag := createTestFlag(t, repo, "archive")

		flag.Status = "archived"
		archived, err := repo.UpdateFlag(ctx, flag)
		if err != nil {
			t.Fatalf("UpdateFlag: %v", err)
		}
		if archived.Status != "archived" {
			t.Errorf("Status = %q, want archived", archived.Status)
		}

		got, err := repo.GetFlag(ctx, flag.Key)
		if err != nil {
			t.Fatalf("GetFlag after archive: %v", err)
		}
		if got.Status != "archived" {
			t.Errorf("persisted Status = %q, want archived", got.Status)
		}
	})

	t.Run("list includes created flags", func(t *testing.T) {
		created := createTestFlag(t, repo, "list")

		flags, err := repo.ListFlags(ctx)
		if err != nil {
			t.Fatalf("ListFlags: %v", err)
		}
		found := false
		for _, f := range flags {
			if f.Key == created.Key {
				found = true
			}
		}
		if !found {
			t.Errorf("flag %q not found in ListFlags results", created.Key)
		}
	})
}

// ---------------------------------------------------------------------------
// Targeting
// ---------------------------------------------------------------------------

func TestTargeting(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("upsert and get", func(t *testing.T) {
		flag := createTestFlag(t, repo, "targeting")

		stored, err := repo.UpsertTargeting(ctx, repository.TargetingConfig{
			FlagKey:     flag.Key,
			Environment: "staging",
			Active:      true,
			Tenants:     []string{"acme"},
			Rules:       json.RawMessage(`[{"attribute":"user.role","operator":"eq","value":"beta"}]`),
			Rollout:     25,
			RolloutKey:  "user.id",
		})
		if err != nil {
			t.Fatalf("UpsertTargeting: %v", err)
		}
		if stored.Version != 1 {
			t.Errorf("Version = %d, want 1", stored.Version)
		}

		got, err := repo.GetTargeting(ctx, flag.Key, "staging")
		if err != nil {
			t.Fatalf("GetTargeting: %v", err)
		}
		if !got.Active {
			t.Error("Active = false, want true")
		}
		if got.Rollout != 25 || got.RolloutKey != "user.id" {
			t.Errorf("Rollout = %d/%q, want 25/user.id", got.Rollout, got.RolloutKey)
		}
		if len(got.Tenants) != 1 || got.Tenants[0] != "acme" {
			t.Errorf("Tenants = %v, want [acme]", got.Tenants)
		}

		var rules []map[string]string
		if err := json.Unmarshal(got.Rules, &rules); err != nil {
			t.Fatalf("unmarshal Rules: %v (raw: %s)", err, string(got.Rules))
		}
		if len(rules) != 1 || rules[0]["attribute"] != "user.role" {
			t.Errorf("Rules = %s, want one user.role rule", string(got.Rules))
		}
	})

	t.Run("replace bumps version", func(t *testing.T) {
		flag := createTestFlag(t, repo, "targeting-ver")

		first, err := repo.UpsertTargeting(ctx, repository.TargetingConfig{
			FlagKey:     flag.Key,
			Environment: "prod",
			Rollout:     10,
		})
		if err != nil {
			t.Fatalf("UpsertTargeting first: %v", err)
		}

		second, err := repo.UpsertTargeting(ctx, repository.TargetingConfig{
			FlagKey:     flag.Key,
			Environment: "prod",
			Rollout:     50,
			Version:     first.Version,
		})
		if err != nil {
			t.Fatalf("UpsertTargeting second: %v", err)
		}
		if second.Version != first.Version+1 {
			t.Errorf("Version = %d, want %d", second.Version, first.Version+1)
		}
		if second.Rollout != 50 {
			t.Errorf("Rollout = %d, want 50", second.Rollout)
		}
	})

	t.Run("environments are independent", func(t *testing.T) {
		flag := createTestFlag(t, repo, "targeting-env")

		for env, rollout := range map[string]int{"dev": 100, "prod": 5} {
			if _, err := repo.UpsertTargeting(ctx, repository.TargetingConfig{
				FlagKey:     flag.Key,
				Environment: env,
				Active:      true,
				Rollout:     rollout,
			}); err != nil {
				t.Fatalf("UpsertTargeting %s: %v", env, err)
			}
		}

		dev, err := repo.GetTargeting(ctx, flag.Key, "dev")
		if err != nil {
			t.Fatalf("GetTargeting dev: %v", err)
		}
		prod, err := repo.GetTargeting(ctx, flag.Key, "prod")
		if err != nil {
			t.Fatalf("GetTargeting prod: %v", err)
		}
		if dev.Rollout != 100 || prod.Rollout != 5 {
			t.Errorf("rollouts = dev:%d prod:%d, want dev:100 prod:5", dev.Rollout, prod.Rollout)
		}
	})

	t.Run("get missing returns pgx.ErrNoRows", func(t *testing.T) {
		flag := createTestFlag(t, repo, "targeting-missing")

		_, err := repo.GetTargeting(ctx, flag.Key, "staging")
		if err == nil {
			t.Fatal("expected error for missing targeting, got nil")
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Flag events
// ---------------------------------------------------------------------------

func TestFlagEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("publish and list events", func(t *testing.T) {
		flag := createTestFlag(t, repo, "events")

		published, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			FlagKey:   flag.Key,
			EventType: "updated",
			Payload:   json.RawMessage(`{"force_on": true}`),
		})
		if err != nil {
			t.Fatalf("PublishFlagEvent: %v", err)
		}
		if published.EventID == 0 {
			t.Error("EventID = 0, want nonzero")
		}

		events, err := repo.ListEventsSince(ctx, 0)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}

		found := false
		for _, e := range events {
			if e.EventID == published.EventID {
				found = true
				if e.EventType != "updated" {
					t.Errorf("EventType = %q, want %q", e.EventType, "updated")
				}
			}
		}
		if !found {
			t.Error("published event not found in ListEventsSince results")
		}
	})

	t.Run("list events since filters by event ID", func(t *testing.T) {
		flag := createTestFlag(t, repo, "events-filter")

		first, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			FlagKey:   flag.Key,
			EventType: "updated",
			Payload:   json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("PublishFlagEvent first: %v", err)
		}

		second, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			FlagKey:   flag.Key,
			EventType: "archived",
			Payload:   json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("PublishFlagEvent second: %v", err)
		}

		events, err := repo.ListEventsSince(ctx, first.EventID)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].EventID != second.EventID {
			t.Errorf("EventID = %d, want %d", events[0].EventID, second.EventID)
		}
		if events[0].EventType != "archived" {
			t.Errorf("EventType = %q, want archived", events[0].EventType)
		}
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeys(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and validate", func(t *testing.T) {
		keyID, rawSecret, err := repo.CreateAPIKey(ctx, "integration-key")
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
		if keyID == "" || rawSecret == "" {
			t.Fatalf("CreateAPIKey returned empty keyID=%q secret=%q", keyID, rawSecret)
		}

		keyHash, err := repo.ValidateAPIKey(ctx, keyID)
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(rawSecret)); err != nil {
			t.Errorf("bcrypt hash mismatch: %v", err)
		}
	})

	t.Run("validate nonexistent key returns error", func(t *testing.T) {
		_, err := repo.ValidateAPIKey(ctx, "nonexistent-key-id")
		if err == nil {
			t.Fatal("expected error for nonexistent key, got nil")
		}
	})

	t.Run("deleted key fails validation and drops from list", func(t *testing.T) {
		keyID, _, err := repo.CreateAPIKey(ctx, "to-revoke")
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}

		if err := repo.DeleteAPIKey(ctx, keyID); err != nil {
			t.Fatalf("DeleteAPIKey: %v", err)
		}

		if _, err := repo.ValidateAPIKey(ctx, keyID); err == nil {
			t.Fatal("expected error for revoked key, got nil")
		}

		keys, err := repo.ListAPIKeys(ctx)
		if err != nil {
			t.Fatalf("ListAPIKeys: %v", err)
		}
		for _, k := range keys {
			if k.ID == keyID {
				t.Errorf("revoked key %q still listed", keyID)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Admin users and sessions
// ---------------------------------------------------------------------------

func TestAdminUsersAndSessions(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and fetch admin user", func(t *testing.T) {
		username := fmt.Sprintf("admin-%s", randID())
		created, err := repo.CreateAdminUser(ctx, username, "$argon2id$fake-hash")
		if err != nil {
			t.Fatalf("CreateAdminUser: %v", err)
		}

		byName, err := repo.GetAdminUserByUsername(ctx, username)
		if err != nil {
			t.Fatalf("GetAdminUserByUsername: %v", err)
		}
		if byName.ID != created.ID {
			t.Errorf("ID = %q, want %q", byName.ID, created.ID)
		}

		byID, err := repo.GetAdminUserByID(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetAdminUserByID: %v", err)
		}
		if byID.Username != username {
			t.Errorf("Username = %q, want %q", byID.Username, username)
		}

		exists, err := repo.HasAdminUsers(ctx)
		if err != nil {
			t.Fatalf("HasAdminUsers: %v", err)
		}
		if !exists {
			t.Error("HasAdminUsers = false, want true")
		}
	})

	t.Run("session lifecycle", func(t *testing.T) {
		user, err := repo.CreateAdminUser(ctx, fmt.Sprintf("sess-%s", randID()), "hash")
		if err != nil {
			t.Fatalf("CreateAdminUser: %v", err)
		}

		idHash := randID()
		session := repository.AdminSession{
			IDHash:      idHash,
			AdminUserID: user.ID,
			CSRFToken:   "csrf-token",
			CreatedAt:   time.Now(),
			ExpiresAt:   time.Now().Add(time.Hour),
		}
		if err := repo.CreateAdminSession(ctx, session); err != nil {
			t.Fatalf("CreateAdminSession: %v", err)
		}

		got, err := repo.GetAdminSession(ctx, idHash)
		if err != nil {
			t.Fatalf("GetAdminSession: %v", err)
		}
		if got.AdminUserID != user.ID {
			t.Errorf("AdminUserID = %q, want %q", got.AdminUserID, user.ID)
		}
		if got.CSRFToken != "csrf-token" {
			t.Errorf("CSRFToken = %q, want csrf-token", got.CSRFToken)
		}

		if err := repo.DeleteAdminSession(ctx, idHash); err != nil {
			t.Fatalf("DeleteAdminSession: %v", err)
		}
		if _, err := repo.GetAdminSession(ctx, idHash); err == nil {
			t.Fatal("expected error after delete, got nil")
		}
	})

	t.Run("expired sessions are not returned", func(t *testing.T) {
		user, err := repo.CreateAdminUser(ctx, fmt.Sprintf("exp-%s", randID()), "hash")
		if err != nil {
			t.Fatalf("CreateAdminUser: %v", err)
		}

		idHash := randID()
		if err := repo.CreateAdminSession(ctx, repository.AdminSession{
			IDHash:      idHash,
			AdminUserID: user.ID,
			CSRFToken:   "csrf",
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			ExpiresAt:   time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatalf("CreateAdminSession: %v", err)
		}

		if _, err := repo.GetAdminSession(ctx, idHash); err == nil {
			t.Fatal("expected error for expired session, got nil")
		}

		if err := repo.DeleteExpiredAdminSessions(ctx); err != nil {
			t.Fatalf("DeleteExpiredAdminSessions: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	user, err := repo.CreateAdminUser(ctx, fmt.Sprintf("audit-%s", randID()), "hash")
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}

	flagKey := fmt.Sprintf("audited-%s", randID())
	if err := repo.InsertAuditLog(ctx, repository.AuditLogEntry{
		AdminUserID: user.ID,
		Action:      "flag_force",
		FlagKey:     flagKey,
		Environment: "prod",
		Details:     json.RawMessage(`{"mode":"on"}`),
	}); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}

	entries, err := repo.ListAuditLog(ctx, 50, 0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.FlagKey == flagKey {
			found = true
			if e.Action != "flag_force" {
				t.Errorf("Action = %q, want flag_force", e.Action)
			}
			if e.Environment != "prod" {
				t.Errorf("Environment = %q, want prod", e.Environment)
			}
			if e.AdminUserID != user.ID {
				t.Errorf("AdminUserID = %q, want %q", e.AdminUserID, user.ID)
			}
		}
	}
	if !found {
		t.Errorf("audit entry for %q not found", flagKey)
	}
}
