package syncbus

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

const (
	redisBusTimeout    = 5 * time.Second
	redisChannelPrefix = "distlock:events:"
)

// RedisBus implements Bus on Redis pub/sub.
type RedisBus struct {
	fanout
	client *redis.Client
	pubsub map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	b := &RedisBus{client: client, pubsub: make(map[string]*redis.PubSub)}
	b.init()
	return b
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if !b.begin(ev) {
		return nil
	}
	defer b.end(ev)

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannelPrefix+ev.Topic, data).Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return lockerrors.Wrap(lockerrors.ErrConnection, "redis bus: %v", err)
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, first := b.add(topic)
	if first {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, redisChannelPrefix+topic)
		// wait for the subscription confirmation so no publish is missed
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.remove(topic, ch)
			return nil, err
		}
		b.mu.Lock()
		b.pubsub[topic] = ps
		b.mu.Unlock()
		go b.dispatch(ps)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	b.mu.Lock()
	ps := b.pubsub[topic]
	delete(b.pubsub, topic)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close closes every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.pubsub
	b.pubsub = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	b.closeAll()
	return nil
}
