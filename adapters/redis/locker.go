// Package redis provides a distributed clinops.Locker on Redis.
//
// A lock is a key set with SET NX PX holding a random token. Release runs a
// Lua script that deletes the key only while it still holds that token, so an
// expired holder can never free a lock someone else has since taken.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinprecision/clinops-core"
)

const (
	DefaultKeyPrefix     = "clinops:lock:"
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
)

var _ clinops.Locker = (*Locker)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker grants exclusive access to keys across processes sharing one Redis.
type Locker struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        clinops.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix sets the prefix of every lock key.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithTTL sets how long a lock lives without being refreshed.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets the delay between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLogger sets the logger used for release and refresh failures.
func WithLogger(logger clinops.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a Locker on client. The client lifecycle stays with the caller.
func NewLocker(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:        client,
		prefix:        DefaultKeyPrefix,
		ttl:           DefaultTTL,
		retryInterval: DefaultRetryInterval,
		logger:        clinops.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("clinops/redis: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("clinops/redis: ping failed: %w", err)
	}
	return client, nil
}

func (l *Locker) redisKey(key string) string {
	return l.prefix + key
}

// TryLock makes a single acquisition attempt.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.redisKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("clinops/redis: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.holder(key, token), true, nil
}

// Lock blocks until key is acquired or ctx is done. While held, the lock is
// refreshed at a third of its TTL.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("clinops/redis: empty lock key")
	}
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) holder(key, token string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(key, token, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.redisKey(key)}, token).Err(); err != nil {
				l.logger.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}
}

func (l *Locker) keepAlive(key, token string, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{l.redisKey(key)}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("lock refresh failed", "key", key, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("lock lost before release", "key", key)
				return
			}
		}
	}
}
