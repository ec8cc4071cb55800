package lock

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-distlock/v1/config"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

const (
	// RedisStrategyName labels metrics and factory registrations.
	RedisStrategyName = "redis"
	// RedisCapabilities are the modes RedisLock supports.
	RedisCapabilities = Exclusive | NoBlock
	// DefaultRedisPriority ranks RedisLock when no priority is configured.
	DefaultRedisPriority = 95
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-distlock/v1/lock")

// KeyPrefix derives the namespace of all lock keys from the installation
// secret, so deployments sharing a database do not collide.
func KeyPrefix(encryptionKey string) string {
	sum := sha1.Sum([]byte(encryptionKey + "_REDIS_LOCKING"))
	return hex.EncodeToString(sum[:])
}

// RedisOption configures a RedisLock.
type RedisOption func(*redisOptions)

type redisOptions struct {
	logger zerolog.Logger
	bus    syncbus.Bus
	store  Store
}

// WithLogger sets the logger store failures are reported to.
func WithLogger(l zerolog.Logger) RedisOption {
	return func(o *redisOptions) { o.logger = l }
}

// WithBus publishes lock and unlock events for the subject on bus.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(o *redisOptions) { o.bus = bus }
}

// WithStore uses s instead of dialing the configured server.
func WithStore(s Store) RedisOption {
	return func(o *redisOptions) { o.store = s }
}

// RedisLock is an exclusive lock on one subject held in a Redis key.
type RedisLock struct {
	subject  string
	lockKey  string
	mutexKey string
	token    string
	ttl      time.Duration
	priority int

	store  Store
	client *redis.Client // non-nil when this handle owns the connection
	bus    syncbus.Bus
	logger zerolog.Logger

	held atomic.Bool
}

// NewRedis validates cfg, connects to the store and returns an unheld lock
// for subject. Configuration problems yield ErrConfiguration before any
// network activity; an unreachable or rejecting server yields ErrConnection.
func NewRedis(ctx context.Context, subject string, cfg *config.Redis, opts ...RedisOption) (*RedisLock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := redisOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	prefix := KeyPrefix(cfg.EncryptionKey)
	l := &RedisLock{
		subject:  subject,
		lockKey:  fmt.Sprintf("%s:lock:name:%s", prefix, subject),
		mutexKey: fmt.Sprintf("%s:lock:mutex:%s", prefix, subject),
		token:    uuid.NewString(),
		ttl:      cfg.LockTTL(),
		priority: DefaultRedisPriority,
		store:    o.store,
		bus:      o.bus,
		logger:   o.logger.With().Str("strategy", RedisStrategyName).Str("subject", subject).Logger(),
	}
	if cfg.Priority != nil {
		l.priority = *cfg.Priority
	}
	if l.store == nil {
		client, owned, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if owned {
			l.client = client
		}
		l.store = NewRedisStore(client)
	}
	return l, nil
}

// Subject returns the protected resource name.
func (l *RedisLock) Subject() string { return l.subject }

// LockKey returns the key holding lock ownership.
func (l *RedisLock) LockKey() string { return l.lockKey }

// MutexKey returns the list waiters block on.
func (l *RedisLock) MutexKey() string { return l.mutexKey }

// IsAcquired implements Strategy.IsAcquired.
func (l *RedisLock) IsAcquired() bool { return l.held.Load() }

// Capabilities implements Strategy.Capabilities.
func (l *RedisLock) Capabilities() Capability { return RedisCapabilities }

// Priority implements Strategy.Priority.
func (l *RedisLock) Priority() int { return l.priority }

// Acquire implements Strategy.Acquire.
//
// With Exclusive|NoBlock a single conditional SET is attempted and
// ErrWouldBlock returned when the subject is busy. With Exclusive alone the
// handle loops: SET NX, and on failure block on the wait list for at most
// the remaining TTL of the current holder. A signal only means "try again";
// the SET is always re-run because another process may win in between.
// ErrAcquireTimeout is returned when a wait ends without a signal. Store
// failures are logged and count as a failed attempt.
func (l *RedisLock) Acquire(ctx context.Context, mode Capability) (bool, error) {
	if l.held.Load() {
		metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultReentrant).Inc()
		return true, nil
	}
	if mode&Exclusive == 0 {
		metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultRejected).Inc()
		return false, lockerrors.Wrap(lockerrors.ErrInsufficientCapability, "mode %s", mode)
	}

	ctx, span := tracer.Start(ctx, "lock.acquire", trace.WithAttributes(
		attribute.String("lock.subject", l.subject),
		attribute.String("lock.mode", mode.String()),
	))
	defer span.End()

	if mode&NoBlock != 0 {
		if !l.lock(ctx, false) {
			metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultWouldBlock).Inc()
			span.SetStatus(codes.Error, "would block")
			return false, lockerrors.ErrWouldBlock
		}
		l.acquired(ctx)
		return true, nil
	}

	for !l.lock(ctx, true) {
		if err := ctxDone(ctx); err != nil {
			span.RecordError(err)
			return false, err
		}
		if !l.wait(ctx) {
			if err := ctxDone(ctx); err != nil {
				span.RecordError(err)
				return false, err
			}
			metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultTimeout).Inc()
			span.SetStatus(codes.Error, "timeout")
			return false, lockerrors.ErrAcquireTimeout
		}
	}
	l.acquired(ctx)
	return true, nil
}

// ctxDone is ctx.Err, but also reports an elapsed deadline whose timer has
// not fired yet. The client's socket deadline can trip first.
func ctxDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

func (l *RedisLock) acquired(ctx context.Context) {
	l.held.Store(true)
	metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultAcquired).Inc()
	metrics.HeldGauge.WithLabelValues(RedisStrategyName).Inc()
	l.publish(ctx, syncbus.LockTopic(l.subject))
}

// lock tries SET NX EX once. In non-blocking mode a failed SET is still
// treated as success when the key already carries this handle's token.
func (l *RedisLock) lock(ctx context.Context, blocking bool) bool {
	ok, err := l.store.SetNX(ctx, l.lockKey, l.token, l.ttl)
	if err != nil {
		l.logger.Error().Err(err).Msg("could not lock in redis")
		return false
	}
	if ok || blocking {
		return ok
	}
	current, found, err := l.store.Get(ctx, l.lockKey)
	if err != nil {
		l.logger.Error().Err(err).Msg("could not read lock owner from redis")
		return false
	}
	return found && current == l.token
}

// wait blocks on the mutex list until a release signal arrives or the
// current holder's TTL (at least one second) elapses.
func (l *RedisLock) wait(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		metrics.WaitHistogram.WithLabelValues(RedisStrategyName).Observe(time.Since(start).Seconds())
	}()

	remaining, err := l.store.TTL(ctx, l.lockKey)
	if err != nil {
		l.logger.Error().Err(err).Msg("failure while waiting on redis")
		return false
	}
	_, signalled, err := l.store.BLPop(ctx, max(time.Second, remaining), l.mutexKey)
	if err != nil {
		l.logger.Error().Err(err).Msg("failure while waiting on redis")
		return false
	}
	return signalled
}

// Release implements Strategy.Release. The unlock only takes effect if the
// key still carries this handle's token; a lock that expired and was taken
// by someone else is left alone.
func (l *RedisLock) Release(ctx context.Context) bool {
	if !l.held.Load() {
		return true
	}
	ctx, span := tracer.Start(ctx, "lock.release", trace.WithAttributes(
		attribute.String("lock.subject", l.subject),
	))
	defer span.End()

	deleted, err := l.store.UnlockAndSignal(ctx, l.lockKey, l.mutexKey, l.token, l.ttl)
	switch {
	case err != nil:
		l.logger.Error().Err(err).Msg("failure while unlocking in redis")
		span.RecordError(err)
		metrics.ReleaseCounter.WithLabelValues(RedisStrategyName, metrics.ResultError).Inc()
	case !deleted:
		l.logger.Warn().Msg("lock expired before release, another holder may own it")
		metrics.ReleaseCounter.WithLabelValues(RedisStrategyName, metrics.ResultStale).Inc()
	default:
		metrics.ReleaseCounter.WithLabelValues(RedisStrategyName, metrics.ResultReleased).Inc()
		l.publish(ctx, syncbus.UnlockTopic(l.subject))
	}

	l.held.Store(false)
	metrics.HeldGauge.WithLabelValues(RedisStrategyName).Dec()
	// a fresh token for the next acquisition on this handle
	l.token = uuid.NewString()
	return true
}

// Destroy implements Strategy.Destroy.
func (l *RedisLock) Destroy(ctx context.Context) {
	l.Release(ctx)
}

// Close releases the lock if held and closes the connection when this
// handle owns it.
func (l *RedisLock) Close(ctx context.Context) error {
	l.Release(ctx)
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}

func (l *RedisLock) publish(ctx context.Context, topic string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, syncbus.Event{Topic: topic, Origin: l.token}); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Msg("could not publish lock event")
	}
}
