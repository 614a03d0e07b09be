// internal/pkg/session/rate_limiter.go
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window login throttle keyed by client IP. It sits in
// front of the per-account lockout and catches spraying across accounts.
type RateLimiter struct {
	client      *redis.Client
	maxAttempts int64
	window      time.Duration
}

func NewRateLimiter(client *redis.Client, maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, maxAttempts: int64(maxAttempts), window: window}
}

// CheckLoginAttempt counts the attempt and reports whether it is allowed,
// along with how long until the window resets.
func (r *RateLimiter) CheckLoginAttempt(ctx context.Context, ip string) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:login:%s", ip)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment login attempt: %w", err)
	}

	// Set expiration on first attempt
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = r.window
	}

	return count <= r.maxAttempts, ttl, nil
}

// ResetLoginAttempts resets the counter for ip
func (r *RateLimiter) ResetLoginAttempts(ctx context.Context, ip string) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:login:%s", ip)).Err()
}
