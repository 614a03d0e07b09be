// internal/pkg/session/store.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// Store keeps the fast-path session state in Redis: cached snapshots,
// revoked tokens and the activity write gate. Postgres stays authoritative.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func snapshotKey(token string) string { return fmt.Sprintf("session:%s", token) }
func revokedKey(token string) string  { return fmt.Sprintf("revoked:%s", token) }
func activityKey(token string) string { return fmt.Sprintf("activity:%s", token) }

// Cache stores a snapshot until the token expires.
func (s *Store) Cache(ctx context.Context, token string, data SessionData, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

// Get returns xerrors.ErrNotFound on a cache miss.
func (s *Store) Get(ctx context.Context, token string) (*SessionData, error) {
	raw, err := s.client.Get(ctx, snapshotKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &data, nil
}

// Revoke drops the snapshot and marks the token revoked until it would have
// expired anyway.
func (s *Store) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, snapshotKey(token), activityKey(token))
	pipe.Set(ctx, revokedKey(token), "1", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *Store) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revoked token: %w", err)
	}
	return n > 0, nil
}

// AllowActivityWrite grants at most one write per interval per token across
// all instances.
func (s *Store) AllowActivityWrite(ctx context.Context, token string, interval time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, activityKey(token), "1", interval).Result()
	if err != nil {
		return false, fmt.Errorf("failed to gate activity write: %w", err)
	}
	return ok, nil
}
