package auth_test

import (
	"context"
	"errors"
	"testing"

	"civicwater/internal/config"
	"civicwater/internal/db"
	"civicwater/internal/engine/auth"
	"civicwater/internal/migrate"
	"civicwater/internal/repo"
)

func TestPermissionsFromGrantsAndToken(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	svc := auth.New(r, config.Default())

	officer := auth.Principal{ActorID: "officer-1"}
	if err := svc.Require(ctx, officer, auth.PermRecordAdvance); !errors.As(err, new(auth.ForbiddenError)) {
		t.Fatalf("ungranted officer: %v", err)
	}
	if err := r.GrantRole(ctx, nil, "officer-1", "officer", "2025-11-20T10:00:00Z"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := svc.Require(ctx, officer, auth.PermRecordAdvance); err != nil {
		t.Fatalf("granted officer: %v", err)
	}
	if err := svc.Require(ctx, officer, auth.PermRecordSweep); err == nil {
		t.Fatalf("officer should not sweep")
	}
	admin := auth.Principal{ActorID: "ops", Roles: []string{"admin"}}
	if err := svc.Require(ctx, admin, auth.PermRecordSweep); err != nil {
		t.Fatalf("token admin: %v", err)
	}
	if svc.KnownRole("janitor") || !svc.KnownRole("officer") {
		t.Fatalf("known roles")
	}
}
