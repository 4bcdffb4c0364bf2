// Package apikeys implements the long-lived bot/service credential used by
// the HTTP adapter's API-key auth path (§6's "single operational secret"
// environment note, generalized to per-user issuance so keys can be
// revoked individually). Grounded on the teacher's repo/api_keys.go almost
// directly: same stable-SHA-256-hex hashing scheme, same insert/lookup/
// list/delete shape, re-keyed to (tenant_id, user_id) rather than an
// actor_id.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/ids"
)

var ErrNotFound = errors.New("api key not found")

// Hash returns a stable SHA-256 hex digest for a raw key, the only form
// ever persisted.
func Hash(rawKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawKey)))
	return hex.EncodeToString(sum[:])
}

// Generate returns a new random raw key, shown to the caller exactly once.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ckl_" + hex.EncodeToString(buf), nil
}

// Issue creates a key record and returns the raw key alongside the stored
// (hashed) manifest. The caller is responsible for presenting rawKey to
// the user exactly once; it is never stored or logged.
func Issue(ctx context.Context, db *sql.DB, tenantID, userID, name string, nowMS int64) (rawKey string, key domain.APIKey, err error) {
	rawKey, err = Generate()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key = domain.APIKey{
		KeyID:     ids.New("key", nowMS),
		TenantID:  tenantID,
		UserID:    userID,
		Name:      name,
		KeyHash:   Hash(rawKey),
		CreatedAt: nowMS,
	}
	_, err = db.ExecContext(ctx, `INSERT INTO api_keys (key_id, tenant_id, user_id, name, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.KeyID, key.TenantID, key.UserID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return rawKey, key, nil
}

// ByHash looks up a key by its hashed value, the lookup path auth takes on
// every request bearing an API-key header.
func ByHash(ctx context.Context, db *sql.DB, hash string) (domain.APIKey, error) {
	row := db.QueryRowContext(ctx, `SELECT key_id, tenant_id, user_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=?`, hash)
	var k domain.APIKey
	err := row.Scan(&k.KeyID, &k.TenantID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListForUser returns every key issued to a user, newest first.
func ListForUser(ctx context.Context, db *sql.DB, userID string) ([]domain.APIKey, error) {
	rows, err := db.QueryContext(ctx, `SELECT key_id, tenant_id, user_id, COALESCE(name,''), key_hash, created_at
		FROM api_keys WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.KeyID, &k.TenantID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Revoke deletes a key by id.
func Revoke(ctx context.Context, db *sql.DB, keyID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_id=?`, keyID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
