package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 16

// Event is a lock state change observed on the bus.
type Event struct {
	Topic string `json:"t"`
	// Origin identifies the publisher so it can ignore its own echoes.
	Origin string `json:"o"`
}

// LockTopic is the topic announcing that subject was locked.
func LockTopic(subject string) string { return "lock:" + subject }

// UnlockTopic is the topic announcing that subject was released.
func UnlockTopic(subject string) string { return "unlock:" + subject }

// Bus propagates lock and unlock events across nodes.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics counts bus traffic. Dropped counts deliveries skipped because a
// subscriber's buffer was full.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// fanout keeps the local subscribers of every topic. Transports embed it and
// call deliver for each event they receive.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (f *fanout) init() {
	f.subs = make(map[string][]chan Event)
	f.pending = make(map[string]struct{})
}

// begin marks ev in flight. It returns false when an identical event is
// already being published.
func (f *fanout) begin(ev Event) bool {
	k := ev.Topic + "\x00" + ev.Origin
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[k]; ok {
		return false
	}
	f.pending[k] = struct{}{}
	return true
}

func (f *fanout) end(ev Event) {
	f.mu.Lock()
	delete(f.pending, ev.Topic+"\x00"+ev.Origin)
	f.mu.Unlock()
}

// add registers a subscriber and reports whether it is the first for topic.
func (f *fanout) add(topic string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch <-chan Event) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, found
	}
	f.subs[topic] = subs
	return found, false
}

// deliver sends under the lock so a concurrent remove cannot close a channel
// mid-send. Sends never block.
func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Topic] {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for topic, subs := range f.subs {
		for _, c := range subs {
			close(c)
		}
		delete(f.subs, topic)
	}
	f.mu.Unlock()
}

// Metrics returns the traffic counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
	}
}

func encodeEvent(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// nodes living in the same process.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	b := &InMemoryBus{}
	b.init()
	return b
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if !b.begin(ev) {
		return nil
	}
	defer b.end(ev)
	b.published.Add(1)
	b.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.remove(topic, ch)
	return nil
}
