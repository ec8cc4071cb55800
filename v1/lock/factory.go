package lock

import (
	"context"
	"sort"
	"sync"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

// StrategyInfo describes a registered strategy.
type StrategyInfo struct {
	Name         string
	Capabilities Capability
	Priority     int
	New          func(ctx context.Context, subject string) (Strategy, error)
}

// Factory hands out locks from the best registered strategy.
type Factory struct {
	mu         sync.RWMutex
	strategies []StrategyInfo
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Register adds info, replacing any strategy of the same name. It returns
// false when info cannot build locks.
func (f *Factory) Register(info StrategyInfo) bool {
	if info.Name == "" || info.New == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.strategies {
		if s.Name == info.Name {
			f.strategies[i] = info
			return true
		}
	}
	f.strategies = append(f.strategies, info)
	return true
}

// Unregister removes the strategy called name.
func (f *Factory) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.strategies {
		if s.Name == name {
			f.strategies = append(f.strategies[:i], f.strategies[i+1:]...)
			return
		}
	}
}

// Strategies lists registrations by descending priority. Equal priorities
// keep registration order.
func (f *Factory) Strategies() []StrategyInfo {
	f.mu.RLock()
	out := append([]StrategyInfo(nil), f.strategies...)
	f.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Create builds a lock for subject from the highest priority strategy that
// supports every capability in caps.
func (f *Factory) Create(ctx context.Context, subject string, caps Capability) (Strategy, error) {
	for _, s := range f.Strategies() {
		if s.Capabilities.Has(caps) {
			return s.New(ctx, subject)
		}
	}
	return nil, lockerrors.Wrap(lockerrors.ErrInsufficientCapability, "no locking strategy supports %s", caps)
}
