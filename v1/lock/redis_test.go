package lock

import (
	"context"
	stdErrors "errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-distlock/v1/config"
	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func redisConfig(t *testing.T, mr *miniredis.Miniredis) *config.Redis {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	db := 0
	return &config.Redis{
		Hostname:      mr.Host(),
		Port:          port,
		Database:      &db,
		EncryptionKey: "test-secret",
	}
}

func newRedisLock(t *testing.T, cfg *config.Redis, subject string, opts ...RedisOption) *RedisLock {
	t.Helper()
	l, err := NewRedis(context.Background(), subject, cfg, opts...)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestKeyDerivation(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "pages")

	prefix := KeyPrefix("test-secret")
	if len(prefix) != 40 {
		t.Fatalf("expected sha1 hex prefix, got %q", prefix)
	}
	if prefix == KeyPrefix("other-secret") {
		t.Fatal("prefix must depend on the installation secret")
	}
	if l.LockKey() != prefix+":lock:name:pages" {
		t.Fatalf("unexpected lock key %q", l.LockKey())
	}
	if l.MutexKey() != prefix+":lock:mutex:pages" {
		t.Fatalf("unexpected mutex key %q", l.MutexKey())
	}
	if l.Subject() != "pages" {
		t.Fatalf("unexpected subject %q", l.Subject())
	}
}

func TestRedisAcquireReleaseSignals(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "pages")
	ctx := context.Background()

	ok, err := l.Acquire(ctx, Exclusive|NoBlock)
	if err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if !l.IsAcquired() {
		t.Fatal("expected lock held")
	}
	if v, _ := mr.Get(l.LockKey()); v != l.token {
		t.Fatalf("lock key holds %q, want token %q", v, l.token)
	}
	if ttl := mr.TTL(l.LockKey()); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", ttl)
	}

	if !l.Release(ctx) {
		t.Fatal("release returned false")
	}
	if l.IsAcquired() {
		t.Fatal("expected lock released")
	}
	if mr.Exists(l.LockKey()) {
		t.Fatal("lock key should be deleted")
	}
	signals, err := mr.List(l.MutexKey())
	if err != nil || len(signals) != 1 {
		t.Fatalf("expected one wake signal, got %v err %v", signals, err)
	}
	if ttl := mr.TTL(l.MutexKey()); ttl != 30*time.Second {
		t.Fatalf("expected mutex ttl 30s, got %v", ttl)
	}
}

func TestRedisIdempotentAcquire(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "pages")
	ctx := context.Background()

	if ok, err := l.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	before := mr.CommandCount()
	if ok, err := l.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("second acquire: %v ok %v", err, ok)
	}
	if ok, err := l.Acquire(ctx, Exclusive|NoBlock); err != nil || !ok {
		t.Fatalf("third acquire: %v ok %v", err, ok)
	}
	if after := mr.CommandCount(); after != before {
		t.Fatalf("re-acquire issued %d store commands", after-before)
	}
}

func TestRedisNonBlockingContention(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	a := newRedisLock(t, cfg, "x")
	b := newRedisLock(t, cfg, "x")
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("a acquire: %v ok %v", err, ok)
	}
	wouldBlock := metrics.AcquireCounter.WithLabelValues(RedisStrategyName, metrics.ResultWouldBlock)
	before := testutil.ToFloat64(wouldBlock)

	start := time.Now()
	ok, err := b.Acquire(ctx, Exclusive|NoBlock)
	if ok || !stdErrors.Is(err, lockerrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got ok %v err %v", ok, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("non-blocking acquire blocked")
	}
	if b.IsAcquired() {
		t.Fatal("b must not hold the lock")
	}
	if got := testutil.ToFloat64(wouldBlock) - before; got != 1 {
		t.Fatalf("expected one would_block sample, got %v", got)
	}
}

func TestRedisWakeDelivery(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	a := newRedisLock(t, cfg, "x")
	b := newRedisLock(t, cfg, "x")
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("a acquire: %v ok %v", err, ok)
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := b.Acquire(ctx, Exclusive)
		done <- result{ok, err}
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("b acquired while a held the lock: %+v", r)
	default:
	}

	released := time.Now()
	a.Release(ctx)
	select {
	case r := <-done:
		if r.err != nil || !r.ok {
			t.Fatalf("b acquire: %v ok %v", r.err, r.ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("b was not woken by release")
	}
	if time.Since(released) > 2*time.Second {
		t.Fatal("b woke through a timeout instead of the release signal")
	}
	if !b.IsAcquired() || a.IsAcquired() {
		t.Fatalf("unexpected state a=%v b=%v", a.IsAcquired(), b.IsAcquired())
	}
}

func TestRedisAcquireTimeout(t *testing.T) {
	mr := newMiniredis(t)
	short := redisConfig(t, mr)
	short.TTL = 1
	a := newRedisLock(t, short, "x")
	b := newRedisLock(t, redisConfig(t, mr), "x")
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("a acquire: %v ok %v", err, ok)
	}
	start := time.Now()
	ok, err := b.Acquire(ctx, Exclusive)
	if ok || !stdErrors.Is(err, lockerrors.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got ok %v err %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond || elapsed > 5*time.Second {
		t.Fatalf("wait was not bounded by the holder ttl: %v", elapsed)
	}
	if b.IsAcquired() {
		t.Fatal("b must not hold the lock")
	}
}

func TestRedisAcquireHonoursContext(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	a := newRedisLock(t, cfg, "x")
	b := newRedisLock(t, cfg, "x")

	if ok, err := a.Acquire(context.Background(), Exclusive); err != nil || !ok {
		t.Fatalf("a acquire: %v ok %v", err, ok)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	ok, err := b.Acquire(ctx, Exclusive)
	if ok || !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got ok %v err %v", ok, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("acquire did not respect context deadline")
	}
}

func TestRedisSafeReleaseAfterExpiry(t *testing.T) {
	mr := newMiniredis(t)
	short := redisConfig(t, mr)
	short.TTL = 1
	a := newRedisLock(t, short, "x")
	b := newRedisLock(t, redisConfig(t, mr), "x")
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("a acquire: %v ok %v", err, ok)
	}
	mr.FastForward(2 * time.Second)
	if mr.Exists(a.LockKey()) {
		t.Fatal("lock key should have expired")
	}
	if ok, err := b.Acquire(ctx, Exclusive|NoBlock); err != nil || !ok {
		t.Fatalf("b acquire after expiry: %v ok %v", err, ok)
	}

	stale := metrics.ReleaseCounter.WithLabelValues(RedisStrategyName, metrics.ResultStale)
	before := testutil.ToFloat64(stale)
	if !a.Release(ctx) {
		t.Fatal("release returned false")
	}
	if a.IsAcquired() {
		t.Fatal("a must not believe it still holds the lock")
	}
	if v, _ := mr.Get(b.LockKey()); v != b.token {
		t.Fatalf("b's lock was disturbed: key holds %q", v)
	}
	if mr.Exists(a.MutexKey()) {
		t.Fatal("a stale release must not signal waiters")
	}
	if got := testutil.ToFloat64(stale) - before; got != 1 {
		t.Fatalf("expected one stale release, got %v", got)
	}
	if !b.IsAcquired() {
		t.Fatal("b must still hold the lock")
	}
}

func TestRedisCapabilityRejection(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "x")
	ctx := context.Background()
	before := mr.CommandCount()

	for _, mode := range []Capability{NoBlock, Shared, Shared | NoBlock, 0} {
		ok, err := l.Acquire(ctx, mode)
		if ok || !stdErrors.Is(err, lockerrors.ErrInsufficientCapability) {
			t.Fatalf("mode %s: expected ErrInsufficientCapability, got ok %v err %v", mode, ok, err)
		}
		if l.IsAcquired() {
			t.Fatalf("mode %s: lock must not be held", mode)
		}
	}
	if mr.CommandCount() != before {
		t.Fatal("rejected modes must not reach the store")
	}
	if l.Capabilities() != Exclusive|NoBlock {
		t.Fatalf("unexpected capabilities %s", l.Capabilities())
	}
}

func TestRedisPriority(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	if p := newRedisLock(t, cfg, "x").Priority(); p != DefaultRedisPriority {
		t.Fatalf("expected default priority, got %d", p)
	}
	custom := 40
	cfg.Priority = &custom
	if p := newRedisLock(t, cfg, "x").Priority(); p != 40 {
		t.Fatalf("expected configured priority, got %d", p)
	}
}

func TestNewRedisConfigValidation(t *testing.T) {
	db := 0
	cases := map[string]*config.Redis{
		"nil":              nil,
		"missing hostname": {Database: &db},
		// the port is unused; validation must fail before any dial
		"missing database": {Hostname: "127.0.0.1", Port: 1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRedis(context.Background(), "x", cfg)
			if !stdErrors.Is(err, lockerrors.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if stdErrors.Is(err, lockerrors.ErrConnection) {
				t.Fatal("configuration errors must not attempt a connection")
			}
		})
	}
}

func TestNewRedisConnectionError(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	cfg.ConnectionTimeout = 0.2
	mr.Close()

	_, err := NewRedis(context.Background(), "x", cfg)
	if !stdErrors.Is(err, lockerrors.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestNewRedisAuthenticationAndDatabase(t *testing.T) {
	mr := newMiniredis(t)
	mr.RequireAuth("s3cret")
	cfg := redisConfig(t, mr)
	db := 3
	cfg.Database = &db

	if _, err := NewRedis(context.Background(), "x", cfg); !stdErrors.Is(err, lockerrors.ErrConnection) {
		t.Fatalf("expected ErrConnection without credentials, got %v", err)
	}

	cfg.Authentication = "s3cret"
	l := newRedisLock(t, cfg, "x")
	if ok, err := l.Acquire(context.Background(), Exclusive|NoBlock); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if !mr.DB(3).Exists(l.LockKey()) {
		t.Fatal("lock key should live in the configured database")
	}
	if mr.DB(0).Exists(l.LockKey()) {
		t.Fatal("lock key leaked into database 0")
	}
}

func TestRedisPersistentConnectionIsShared(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	cfg.PersistentConnection = true
	t.Cleanup(CloseConnections)

	a := newRedisLock(t, cfg, "x")
	b := newRedisLock(t, cfg, "y")
	sa, sb := a.store.(*RedisStore), b.store.(*RedisStore)
	if sa.client != sb.client {
		t.Fatal("persistent handles should share one client")
	}
	if a.client != nil || b.client != nil {
		t.Fatal("persistent handles must not own the shared client")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok, err := b.Acquire(context.Background(), Exclusive|NoBlock); err != nil || !ok {
		t.Fatalf("shared client closed by another handle: %v ok %v", err, ok)
	}
}

func TestRedisStoreFailuresAreNotFatal(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "x")
	ctx := context.Background()

	mr.SetError("ERR server unavailable")
	if ok, err := l.Acquire(ctx, Exclusive|NoBlock); ok || !stdErrors.Is(err, lockerrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on store failure, got ok %v err %v", ok, err)
	}
	if ok, err := l.Acquire(ctx, Exclusive); ok || !stdErrors.Is(err, lockerrors.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout on store failure, got ok %v err %v", ok, err)
	}

	mr.SetError("")
	if ok, err := l.Acquire(ctx, Exclusive); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	mr.SetError("ERR server unavailable")
	failed := metrics.ReleaseCounter.WithLabelValues(RedisStrategyName, metrics.ResultError)
	before := testutil.ToFloat64(failed)
	if !l.Release(ctx) {
		t.Fatal("release must report success even when the store fails")
	}
	if l.IsAcquired() {
		t.Fatal("local state must be cleared after a failed release")
	}
	if got := testutil.ToFloat64(failed) - before; got != 1 {
		t.Fatalf("expected one failed release, got %v", got)
	}
}

func TestRedisReacquireUsesFreshToken(t *testing.T) {
	mr := newMiniredis(t)
	l := newRedisLock(t, redisConfig(t, mr), "x")
	ctx := context.Background()

	_, _ = l.Acquire(ctx, Exclusive)
	first, _ := mr.Get(l.LockKey())
	l.Release(ctx)
	_, _ = l.Acquire(ctx, Exclusive)
	second, _ := mr.Get(l.LockKey())
	if first == "" || first == second {
		t.Fatalf("token reused across acquisitions: %q", second)
	}
}

func TestRedisPublishesLockEvents(t *testing.T) {
	mr := newMiniredis(t)
	bus := syncbus.NewInMemoryBus()
	l := newRedisLock(t, redisConfig(t, mr), "pages", WithBus(bus))
	ctx := context.Background()

	lockCh, _ := bus.Subscribe(ctx, syncbus.LockTopic("pages"))
	unlockCh, _ := bus.Subscribe(ctx, syncbus.UnlockTopic("pages"))

	_, _ = l.Acquire(ctx, Exclusive)
	select {
	case <-lockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock event")
	}
	l.Release(ctx)
	select {
	case <-unlockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock event")
	}
}

func TestRedisMutualExclusionUnderContention(t *testing.T) {
	mr := newMiniredis(t)
	cfg := redisConfig(t, mr)
	const workers, rounds = 6, 3

	var inside, maxInside, done atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				l, err := NewRedis(ctx, "shared", cfg)
				if err != nil {
					return err
				}
				err = With(ctx, l, Exclusive, func(context.Context) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)
					done.Add(1)
					return nil
				})
				_ = l.Close(context.Background())
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("contention run: %v", err)
	}
	if m := maxInside.Load(); m != 1 {
		t.Fatalf("mutual exclusion violated: %d holders at once", m)
	}
	if d := done.Load(); d != workers*rounds {
		t.Fatalf("expected %d critical sections, got %d", workers*rounds, d)
	}
}
