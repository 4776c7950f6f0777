package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps side-channel emails per user over a rolling hour. The
// counter lives in redis so every notifier replica shares the same budget.
type RateLimiter struct {
	rdb   *redis.Client
	limit int
}

func NewRateLimiter(rdb *redis.Client, hourlyLimit int) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: hourlyLimit}
}

// Allow consumes one send from the user's hourly budget and reports whether
// the send may proceed. The first send of the window sets the expiry.
func (l *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("hookline:notify:%s", userID)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, time.Hour).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return n <= int64(l.limit), nil
}
