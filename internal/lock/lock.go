// Package lock implements a per-account distributed mutex on Redis.
package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TTL bounds how long a crashed holder can block an account before the lock
// self-heals.
const TTL = 10 * time.Minute

// releaseScript deletes the key only while it still holds our token, so a
// holder that stalled past the TTL cannot release a lock that has since been
// handed to someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Locker struct {
	conn *redis.Client
	log  logrus.FieldLogger
	ttl  time.Duration
}

func New(conn *redis.Client, log logrus.FieldLogger) *Locker {
	return &Locker{conn: conn, log: log, ttl: TTL}
}

// Key returns the lock key shared by the sync and backfill jobs for a user.
// Sharing one key is what keeps the two job types mutually exclusive.
func Key(userID int64) string {
	return fmt.Sprintf("synclock:%d", userID)
}

// TryAcquire attempts to take the lock without blocking. When acquired is
// false the caller must skip this cycle; there is no queuing. The returned
// release func is safe to call exactly once.
func (l *Locker) TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error) {
	token := uuid.NewString()
	ok, err := l.conn.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// Release must not inherit the job's context: an expired context
		// would leak the lock until the TTL fires.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.conn, []string{key}, token).Err(); err != nil {
			l.log.WithError(err).WithField("key", key).Warn("releasing lock")
		}
	}
	return release, true, nil
}
