package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
	"github.com/mirkobrombin/go-distlock/v1/metrics"
)

const (
	// LocalStrategyName labels metrics and factory registrations.
	LocalStrategyName = "local"
	// LocalCapabilities are the modes LocalLock supports.
	LocalCapabilities = Exclusive | NoBlock
	// DefaultLocalPriority ranks LocalLock below RedisLock.
	DefaultLocalPriority = 25
	// DefaultLocalTTL bounds how long a local lock is held without a release.
	DefaultLocalTTL = 30 * time.Second
)

type lockState struct {
	owner    string
	deadline time.Time
	timer    *time.Timer
	notify   chan struct{}
}

// LocalRegistry tracks locks shared by the goroutines of one process. It
// offers no exclusion across processes; use RedisLock for that.
type LocalRegistry struct {
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*lockState
}

// LocalOption configures a LocalRegistry.
type LocalOption func(*LocalRegistry)

// WithLocalTTL sets the lifetime of locks in the registry.
func WithLocalTTL(d time.Duration) LocalOption {
	return func(r *LocalRegistry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLocalLogger sets the registry logger.
func WithLocalLogger(l zerolog.Logger) LocalOption {
	return func(r *LocalRegistry) { r.logger = l }
}

// NewLocalRegistry returns an empty registry.
func NewLocalRegistry(opts ...LocalOption) *LocalRegistry {
	r := &LocalRegistry{
		ttl:    DefaultLocalTTL,
		logger: zerolog.Nop(),
		locks:  make(map[string]*lockState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// install records owner as holder of subject. Callers hold r.mu.
func (r *LocalRegistry) install(subject, owner string) {
	st := &lockState{
		owner:    owner,
		deadline: time.Now().Add(r.ttl),
		notify:   make(chan struct{}),
	}
	st.timer = time.AfterFunc(r.ttl, func() { r.expire(subject, st) })
	r.locks[subject] = st
}

// drop removes st and wakes its waiters. Callers hold r.mu.
func (r *LocalRegistry) drop(subject string, st *lockState) {
	st.timer.Stop()
	close(st.notify)
	delete(r.locks, subject)
}

func (r *LocalRegistry) expire(subject string, st *lockState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.locks[subject]; !ok || cur != st {
		return
	}
	r.drop(subject, st)
	r.logger.Warn().Str("subject", subject).Msg("local lock expired before release")
}

// tryLock takes subject for token if it is free or already token's.
func (r *LocalRegistry) tryLock(subject, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.locks[subject]; ok {
		return st.owner == token
	}
	r.install(subject, token)
	return true
}

// wait blocks until subject is released, its holder expires, or at least
// one second passes. It reports whether a release was observed.
func (r *LocalRegistry) wait(ctx context.Context, subject string) bool {
	r.mu.Lock()
	st, ok := r.locks[subject]
	r.mu.Unlock()
	if !ok {
		return true
	}
	t := time.NewTimer(max(time.Second, time.Until(st.deadline)))
	defer t.Stop()
	select {
	case <-st.notify:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// unlock frees subject if token holds it.
func (r *LocalRegistry) unlock(subject, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[subject]
	if !ok || st.owner != token {
		return false
	}
	r.drop(subject, st)
	return true
}

// NewLock returns an unheld handle for subject.
func (r *LocalRegistry) NewLock(subject string) (*LocalLock, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &LocalLock{reg: r, subject: subject, token: token, priority: DefaultLocalPriority}, nil
}

// LocalLock is an exclusive lock on one subject within a LocalRegistry.
type LocalLock struct {
	reg      *LocalRegistry
	subject  string
	token    string
	priority int
	held     atomic.Bool
}

// IsAcquired implements Strategy.IsAcquired.
func (l *LocalLock) IsAcquired() bool { return l.held.Load() }

// Capabilities implements Strategy.Capabilities.
func (l *LocalLock) Capabilities() Capability { return LocalCapabilities }

// Priority implements Strategy.Priority.
func (l *LocalLock) Priority() int { return l.priority }

// Acquire implements Strategy.Acquire with the same contract as
// RedisLock.Acquire.
func (l *LocalLock) Acquire(ctx context.Context, mode Capability) (bool, error) {
	if l.held.Load() {
		metrics.AcquireCounter.WithLabelValues(LocalStrategyName, metrics.ResultReentrant).Inc()
		return true, nil
	}
	if mode&Exclusive == 0 {
		metrics.AcquireCounter.WithLabelValues(LocalStrategyName, metrics.ResultRejected).Inc()
		return false, lockerrors.Wrap(lockerrors.ErrInsufficientCapability, "mode %s", mode)
	}
	for {
		if l.reg.tryLock(l.subject, l.token) {
			l.held.Store(true)
			metrics.AcquireCounter.WithLabelValues(LocalStrategyName, metrics.ResultAcquired).Inc()
			metrics.HeldGauge.WithLabelValues(LocalStrategyName).Inc()
			return true, nil
		}
		if mode&NoBlock != 0 {
			metrics.AcquireCounter.WithLabelValues(LocalStrategyName, metrics.ResultWouldBlock).Inc()
			return false, lockerrors.ErrWouldBlock
		}
		start := time.Now()
		signalled := l.reg.wait(ctx, l.subject)
		metrics.WaitHistogram.WithLabelValues(LocalStrategyName).Observe(time.Since(start).Seconds())
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !signalled {
			metrics.AcquireCounter.WithLabelValues(LocalStrategyName, metrics.ResultTimeout).Inc()
			return false, lockerrors.ErrAcquireTimeout
		}
	}
}

// Release implements Strategy.Release.
func (l *LocalLock) Release(ctx context.Context) bool {
	if !l.held.Load() {
		return true
	}
	if l.reg.unlock(l.subject, l.token) {
		metrics.ReleaseCounter.WithLabelValues(LocalStrategyName, metrics.ResultReleased).Inc()
	} else {
		metrics.ReleaseCounter.WithLabelValues(LocalStrategyName, metrics.ResultStale).Inc()
	}
	l.held.Store(false)
	metrics.HeldGauge.WithLabelValues(LocalStrategyName).Dec()
	if token, err := uuid.GenerateUUID(); err == nil {
		l.token = token
	}
	return true
}

// Destroy implements Strategy.Destroy.
func (l *LocalLock) Destroy(ctx context.Context) {
	l.Release(ctx)
}
