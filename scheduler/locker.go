package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants one holder at a time per key. A lock that is never
// released expires after ttl so a crashed replica cannot block sweeps.
type Locker interface {
	// TryLock returns a release func when the lock was taken, or ok=false
	// when another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates sweeps across replicas with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. Keys are namespaced under prefix
// (default "entitle:lock").
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "entitle:lock"
	}
	return &RedisLocker{client: client, prefix: trimmed}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	fullKey := l.prefix + ":" + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	release := func() {
		// The job context may be done by now.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{fullKey}, token).Err() //nolint:errcheck // lock expires on its own
	}
	return release, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ──────────────────────────────────────────────────
// Local
// ──────────────────────────────────────────────────

// LocalLocker serialises jobs within one process. Use it for single
// replica deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
	now  func() time.Time
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// A lock that expired and was re-taken belongs to someone else.
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}
	return release, true, nil
}
