package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TickLocker grants the right to run one dispatch tick. With several
// replicas sharing a database only the lock holder dispatches. The held
// context is derived from ctx and is cancelled if the lock is lost before
// release.
type TickLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (held context.Context, release func(), ok bool, err error)
}

// LocalLocker always grants the lock. Ticks within one process are already
// serialized by the dispatcher.
type LocalLocker struct{}

// Acquire always succeeds
func (LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (context.Context, func(), bool, error) {
	return ctx, func() {}, true, nil
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only if the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by replicas. The holder extends
// the expiry every third of the ttl until release.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a locker on an existing client
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// DialRedisLocker connects to a redis:// URL
func DialRedisLocker(ctx context.Context, url string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// Acquire takes the lock for ttl. ok is false when another holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (context.Context, func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil, false, nil
	}

	held, lost := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, ttl, stop, done, lost)

	release := func() {
		close(stop)
		<-done
		lost()

		// Release must outlive a cancelled tick context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err,
			}).Warn("failed-to-release-dispatch-lock")
		}
	}
	return held, release, true, nil
}

// keepAlive extends the lock until stop closes. It calls lost and returns
// when the key no longer holds token.
func (l *RedisLocker) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}, lost context.CancelFunc) {
	defer close(done)

	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err,
			}).Warn("failed-to-extend-dispatch-lock")
			continue
		}
		if n == 0 {
			logger.WithField("key", key).Warn("dispatch-lock-lost")
			lost()
			return
		}
	}
}

// Close closes the underlying client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
