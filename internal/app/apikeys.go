package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-cogs/meridian/internal/platform/httpx"
	"github.com/meridian-cogs/meridian/internal/shared"
)

// APIKeyStore resolves bearer tokens to tenants. Keys look like
// "<key_id>.<secret>"; only a bcrypt hash of the secret is stored.
type APIKeyStore struct {
	pool *pgxpool.Pool
}

// NewAPIKeyStore constructs APIKeyStore.
func NewAPIKeyStore(pool *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{pool: pool}
}

// Authenticate verifies a bearer token and returns its tenant.
func (s *APIKeyStore) Authenticate(ctx context.Context, token string) (shared.TenantID, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", httpx.ErrUnauthorized
	}
	var tenant, secretHash string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id, secret_hash FROM api_keys WHERE key_id=$1 AND NOT revoked`, keyID).
		Scan(&tenant, &secretHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", httpx.ErrUnauthorized
		}
		return "", fmt.Errorf("app: lookup api key: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)); err != nil {
		return "", httpx.ErrUnauthorized
	}
	id := shared.TenantID(tenant)
	if err := id.Validate(); err != nil {
		return "", httpx.ErrUnauthorized
	}
	return id, nil
}

// HashSecret produces the stored form of an API key secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
