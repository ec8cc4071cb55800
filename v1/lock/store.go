package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-distlock/v1/config"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

// Store is the part of a Redis-compatible server a RedisLock relies on.
type Store interface {
	// SetNX sets key to value with ttl only when key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value at key and false when it is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// TTL returns the remaining lifetime of key; negative when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// BLPop pops the head of the list at key, waiting up to timeout. The
	// boolean is false on timeout.
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)
	// UnlockAndSignal atomically deletes lockKey if it holds token, then
	// pushes token onto mutexKey and sets its expiry to ttl. It reports
	// whether the key was deleted.
	UnlockAndSignal(ctx context.Context, lockKey, mutexKey, token string, ttl time.Duration) (bool, error)
}

var unlockAndSignalScript = redis.NewScript(`
if (redis.call("GET", KEYS[1]) == ARGV[1]) and (redis.call("DEL", KEYS[1]) == 1) then
    return redis.call("RPUSH", KEYS[2], ARGV[1]) and redis.call("EXPIRE", KEYS[2], ARGV[2])
else
    return 0
end
`)

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// TTL implements Store.TTL.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// BLPop implements Store.BLPop.
func (s *RedisStore) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("blpop: unexpected reply %v", res)
	}
	return res[1], true, nil
}

// UnlockAndSignal implements Store.UnlockAndSignal.
func (s *RedisStore) UnlockAndSignal(ctx context.Context, lockKey, mutexKey, token string, ttl time.Duration) (bool, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	n, err := unlockAndSignalScript.Run(ctx, s.client, []string{lockKey, mutexKey}, token, secs).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var (
	persistentMu      sync.Mutex
	persistentClients = make(map[string]*redis.Client)
)

func persistentKey(cfg *config.Redis) string {
	sum := sha256.Sum256([]byte(cfg.Secret()))
	return fmt.Sprintf("%s/%d/%s", cfg.Addr(), cfg.DB(), hex.EncodeToString(sum[:8]))
}

// connect dials the configured server, authenticating and selecting the
// database, and verifies the link with PING. Persistent connections are
// shared process-wide per address, database and credential; owned reports
// whether the caller must close the returned client.
func connect(ctx context.Context, cfg *config.Redis) (client *redis.Client, owned bool, err error) {
	opts := &redis.Options{
		Addr:                  cfg.Addr(),
		Password:              cfg.Secret(),
		DB:                    cfg.DB(),
		DialTimeout:           cfg.DialTimeout(),
		ContextTimeoutEnabled: true,
	}
	if !cfg.PersistentConnection {
		opts.PoolSize = 1
		client = redis.NewClient(opts)
		if err := ping(ctx, client); err != nil {
			_ = client.Close()
			return nil, false, err
		}
		return client, true, nil
	}

	key := persistentKey(cfg)
	persistentMu.Lock()
	defer persistentMu.Unlock()
	if c, ok := persistentClients[key]; ok {
		// go-redis redials on its own; other handles may still use c.
		if err := ping(ctx, c); err != nil {
			return nil, false, err
		}
		return c, false, nil
	}
	client = redis.NewClient(opts)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, false, err
	}
	persistentClients[key] = client
	return client, false, nil
}

func ping(ctx context.Context, c *redis.Client) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", lockerrors.ErrConnection, c.Options().Addr, err)
	}
	return nil
}

// CloseConnections closes every shared persistent client.
func CloseConnections() {
	persistentMu.Lock()
	defer persistentMu.Unlock()
	for k, c := range persistentClients {
		_ = c.Close()
		delete(persistentClients, k)
	}
}
