package ha

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// KeyLocker serializes work on one key (a draft cache key, a draft ID)
// while leaving different keys independent.
type KeyLocker interface {
	// WithLock runs fn while holding the lock for key. It blocks until the
	// lock is acquired or ctx is done.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// NewKeyLocker builds the KeyLocker selected by cfg.LockBackend. The
// postgres backend needs db; the redis backend opens its own client.
func NewKeyLocker(cfg *HAConfig, db *gorm.DB, logger *slog.Logger) (KeyLocker, error) {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.LockBackend {
	case BackendPostgres:
		if db == nil || db.Dialector.Name() != "postgres" {
			return nil, fmt.Errorf("postgres lock backend requires a postgres database")
		}
		return NewPGKeyLocker(db), nil
	case BackendRedis:
		opts, err := redisOptions(cfg)
		if err != nil {
			return nil, err
		}
		return NewRedisKeyLocker(redis.NewClient(opts), cfg.LockTTL, cfg.RetryInterval, logger), nil
	case BackendLocal, "":
		return NewLocalKeyLocker(), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

func redisOptions(cfg *HAConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}

// LocalKeyLocker is an in-process keyed mutex. Lock entries are reference
// counted and removed once no caller holds or waits for them.
type LocalKeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalKeyLocker creates an empty LocalKeyLocker.
func NewLocalKeyLocker() *LocalKeyLocker {
	return &LocalKeyLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalKeyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kl.ch }()
	return fn(ctx)
}

// PGKeyLocker uses session advisory locks. The lock is taken and released
// on one pinned connection; fn itself runs on the regular pool.
type PGKeyLocker struct {
	db *gorm.DB
}

// NewPGKeyLocker creates a PGKeyLocker on db.
func NewPGKeyLocker(db *gorm.DB) *PGKeyLocker {
	return &PGKeyLocker{db: db}
}

func (l *PGKeyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	id := advisoryID("playbook-key:" + key)
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", id).Error; err != nil {
			return fmt.Errorf("acquire advisory lock for %s: %w", key, err)
		}
		defer conn.WithContext(context.Background()).Exec("SELECT pg_advisory_unlock(?)", id)
		return fn(ctx)
	})
}

// ErrLockLost is returned when a redis lock expired before fn finished.
var ErrLockLost = errors.New("lock lost before release")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisKeyLocker implements KeyLocker with SET NX PX and a random token.
// The holder refreshes the TTL every ttl/3 until fn returns.
type RedisKeyLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisKeyLocker creates a RedisKeyLocker on client.
func NewRedisKeyLocker(client *redis.Client, ttl, retry time.Duration, logger *slog.Logger) *RedisKeyLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisKeyLocker{client: client, ttl: ttl, retry: retry, logger: logger}
}

func (l *RedisKeyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := "playbook:lock:" + key
	token, err := newToken()
	if err != nil {
		return err
	}

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire redis lock for %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}

	lost := make(chan struct{})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(redisKey, token, stop, lost)
	}()

	fnErr := fn(ctx)
	close(stop)
	wg.Wait()

	if _, err := releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Result(); err != nil {
		l.logger.Warn("failed to release redis lock", "key", key, "error", err)
	}
	select {
	case <-lost:
		if fnErr == nil {
			return fmt.Errorf("%w: %s", ErrLockLost, key)
		}
	default:
	}
	return fnErr
}

func (l *RedisKeyLocker) keepAlive(redisKey, token string, stop <-chan struct{}, lost chan<- struct{}) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n, err := refreshScript.Run(context.Background(), l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				l.logger.Warn("failed to refresh redis lock", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				close(lost)
				return
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
