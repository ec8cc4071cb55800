package presets

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-distlock/v1/config"
	"github.com/mirkobrombin/go-distlock/v1/lock"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

// Options tunes the strategies a preset registers.
type Options struct {
	Logger zerolog.Logger
	// Bus receives lock and unlock events from the Redis strategy.
	Bus      syncbus.Bus
	LocalTTL time.Duration
}

// NewFactory creates a Factory offering the Redis strategy, unless cfg is nil
// or disabled, and the local strategy as a lower priority fallback. The local
// strategy only excludes goroutines of this process.
// An enabled but invalid cfg is reported here rather than on first use.
func NewFactory(cfg *config.Redis, opts Options) (*lock.Factory, error) {
	f := NewLocal(opts)
	if cfg == nil || cfg.Disabled {
		opts.Logger.Debug().Msg("redis locking disabled")
		return f, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	priority := lock.DefaultRedisPriority
	if cfg.Priority != nil {
		priority = *cfg.Priority
	}
	redisOpts := []lock.RedisOption{lock.WithLogger(opts.Logger)}
	if opts.Bus != nil {
		redisOpts = append(redisOpts, lock.WithBus(opts.Bus))
	}
	f.Register(lock.StrategyInfo{
		Name:         lock.RedisStrategyName,
		Capabilities: lock.RedisCapabilities,
		Priority:     priority,
		New: func(ctx context.Context, subject string) (lock.Strategy, error) {
			l, err := lock.NewRedis(ctx, subject, cfg, redisOpts...)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	})
	opts.Logger.Info().EmbedObject(cfg.Blinded()).Int("priority", priority).Msg("redis locking enabled")
	return f, nil
}

// NewLocal creates a Factory with only the process-local strategy. Useful
// for development or single process deployments.
func NewLocal(opts Options) *lock.Factory {
	localOpts := []lock.LocalOption{lock.WithLocalLogger(opts.Logger)}
	if opts.LocalTTL > 0 {
		localOpts = append(localOpts, lock.WithLocalTTL(opts.LocalTTL))
	}
	reg := lock.NewLocalRegistry(localOpts...)
	f := lock.NewFactory()
	f.Register(lock.StrategyInfo{
		Name:         lock.LocalStrategyName,
		Capabilities: lock.LocalCapabilities,
		Priority:     lock.DefaultLocalPriority,
		New: func(_ context.Context, subject string) (lock.Strategy, error) {
			l, err := reg.NewLock(subject)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	})
	return f
}
