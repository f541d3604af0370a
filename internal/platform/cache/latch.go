package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the latch only if this holder still owns it.
// KEYS[1] = latch key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Latch is a best-effort mutual exclusion lock shared by every instance
// connected to the same Redis. The TTL bounds how long a crashed holder
// keeps it.
type Latch struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewLatch returns a latch stored under key.
func NewLatch(client redis.Cmdable, key string, ttl time.Duration) *Latch {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Latch{client: client, key: key, ttl: ttl}
}

// TryAcquire takes the latch without waiting. ok is false when another
// holder has it.
func (l *Latch) TryAcquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	err := l.client.SetArgs(ctx, l.key, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire latch %s: %w", l.key, err)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release latch %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
