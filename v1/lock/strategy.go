package lock

import (
	"context"
	"strings"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

// Capability is a bitset of lock modes.
type Capability uint8

const (
	Exclusive Capability = 1 << iota
	Shared
	NoBlock
)

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&Exclusive != 0 {
		parts = append(parts, "exclusive")
	}
	if c&Shared != 0 {
		parts = append(parts, "shared")
	}
	if c&NoBlock != 0 {
		parts = append(parts, "noblock")
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of want is set in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Strategy is one attempt by one process to hold a lock on one subject.
// A Strategy is used by a single goroutine and is not reused across subjects.
type Strategy interface {
	// Acquire obtains the lock in the given mode. It returns true on success;
	// a handle that already holds the lock returns true without touching the
	// store.
	Acquire(ctx context.Context, mode Capability) (bool, error)
	// Release gives the lock up. It never fails: local state is always
	// cleared, even when the store could not be reached.
	Release(ctx context.Context) bool
	// Destroy is Release for hosts that tear handles down explicitly.
	Destroy(ctx context.Context)
	IsAcquired() bool
	Capabilities() Capability
	Priority() int
}

// With acquires s in mode, runs fn and releases s on every exit path,
// including a panic in fn.
func With(ctx context.Context, s Strategy, mode Capability, fn func(ctx context.Context) error) error {
	ok, err := s.Acquire(ctx, mode)
	if err != nil {
		return err
	}
	if !ok {
		return lockerrors.ErrWouldBlock
	}
	defer s.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}
