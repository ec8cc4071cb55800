// Package lock provides exclusive locks for processes that share no memory.
//
// RedisLock is the production strategy: ownership lives in a Redis key with a
// TTL, waiters park on a list with BLPOP, and release is a single Lua script
// that deletes the key only for its owner and then signals one waiter.
// LocalLock is a fallback that only excludes goroutines of the same process.
// A Factory picks among registered strategies by priority.
package lock
