package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultKey is the Redis key guarding recompute passes
const DefaultKey = "lock:rollgroups:recompute"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another replica is never released by us
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX PX on a shared key
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a Redis locker. ttl bounds how long a crashed holder can
// block other replicas.
func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL and verifies the server is reachable
func NewRedisFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedis(client, DefaultKey, ttl), nil
}

// TryAcquire takes the lock and keeps extending its TTL until the returned
// ReleaseFunc is called, so a pass longer than the TTL stays exclusive. The
// TTL only matters when the holder dies without releasing.
func (r *Redis) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	log.WithFields(log.Fields{
		"key": r.key,
		"ttl": r.ttl,
	}).Debug("Acquired run lock")

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(token, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		var releaseErr error
		once.Do(func() {
			close(stop)
			<-done

			deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				releaseErr = fmt.Errorf("failed to release run lock: %w", err)
				return
			}
			if deleted == 0 {
				log.WithField("key", r.key).Warn("Run lock expired before release")
			}
		})
		return releaseErr
	}, nil
}

// keepAlive renews the lock every third of its TTL until stop is closed or
// the key no longer holds token
func (r *Redis) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			renewed, err := renewScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				// Transient; the next tick retries while the TTL still covers us
				log.WithError(err).WithField("key", r.key).Warn("Failed to renew run lock")
				continue
			}
			if renewed == 0 {
				log.WithField("key", r.key).Error("Run lock lost before release")
				return
			}
		}
	}
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks the server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
