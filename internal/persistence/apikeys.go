package persistence

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Iminance/realityflow-2/internal/repository"
)

// APIKeyRepository maps bearer tokens to user ids. Only token hashes are stored.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// HashToken returns the stored form of a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// AddKey registers token for userID.
func (r *APIKeyRepository) AddKey(ctx context.Context, token, userID, description string) error {
	if token == "" || userID == "" {
		return repository.ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO api_keys (key_hash, user_id, description, created_at) VALUES (?, ?, ?, ?)
	`), HashToken(token), userID, description, time.Now().UTC())
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to add api key: %w", err)
	}
	return nil
}

// ResolveUser returns the user owning token and stamps its last use.
func (r *APIKeyRepository) ResolveUser(ctx context.Context, token string) (string, error) {
	hash := HashToken(token)
	var userID string
	err := r.db.QueryRowContext(ctx, r.db.rebind(`SELECT user_id FROM api_keys WHERE key_hash = ?`), hash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key: %w", err)
	}

	_, _ = r.db.ExecContext(ctx, r.db.rebind(`UPDATE api_keys SET last_used = ? WHERE key_hash = ?`), time.Now().UTC(), hash)
	return userID, nil
}

// tokenPrefix marks generated tokens so they are recognizable in configs.
const tokenPrefix = "rf_"

// APIKey describes a stored key. The token itself is never kept; ID is
// its hash.
type APIKey struct {
	ID          string     `json:"key_id"`
	UserID      string     `json:"user_id"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// CreateKey generates a token for userID, stores its hash and returns the
// token. The token cannot be recovered later.
func (r *APIKeyRepository) CreateKey(ctx context.Context, userID, description string) (string, APIKey, error) {
	if userID == "" {
		return "", APIKey{}, repository.ErrInvalidInput
	}
	token := tokenPrefix + rand.Text()
	if err := r.AddKey(ctx, token, userID, description); err != nil {
		return "", APIKey{}, err
	}
	key := APIKey{
		ID:          HashToken(token),
		UserID:      userID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	return token, key, nil
}

// ListKeys returns stored keys, optionally only those of userID, oldest
// first.
func (r *APIKeyRepository) ListKeys(ctx context.Context, userID string) ([]APIKey, error) {
	query := `SELECT key_hash, user_id, description, created_at, last_used FROM api_keys`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, key_hash`

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var (
			k        APIKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.Description, &k.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsed = &t
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api key rows: %w", err)
	}
	return out, nil
}

// RevokeKey deletes the key with the given id.
func (r *APIKeyRepository) RevokeKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return repository.ErrInvalidInput
	}
	res, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM api_keys WHERE key_hash = ?`), keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
