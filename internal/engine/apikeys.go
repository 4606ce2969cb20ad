package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"civicwater/internal/domain"
	"civicwater/internal/events"
	"civicwater/internal/repo"
)

// CreateAPIKey issues an officer key. The plaintext secret is returned once
// and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "cw_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// GrantRole records an officer role grant. The role must be configured.
func (e Engine) GrantRole(ctx context.Context, actorID, role, grantedBy string) error {
	if _, ok := e.Config.Roles[role]; !ok {
		return fmt.Errorf("role %s not configured", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.GrantRole(ctx, tx, actorID, role, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoleGranted, "actor", actorID, grantedBy, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}
