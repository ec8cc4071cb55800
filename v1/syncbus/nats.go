package syncbus

import (
	"context"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "distlock."

// NATSBus implements Bus using a NATS backend. Each topic maps to one NATS
// subscription shared by all local subscribers.
type NATSBus struct {
	fanout
	conn *nats.Conn
	nsub map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	b := &NATSBus{conn: conn, nsub: make(map[string]*nats.Subscription)}
	b.init()
	return b
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if !b.begin(ev) {
		return nil
	}
	defer b.end(ev)

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+ev.Topic, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch, first := b.add(topic)
	if first {
		ns, err := b.conn.Subscribe(natsSubjectPrefix+topic, func(m *nats.Msg) {
			ev, err := decodeEvent(m.Data)
			if err != nil {
				return
			}
			b.deliver(ev)
		})
		if err != nil {
			b.remove(topic, ch)
			return nil, err
		}
		b.mu.Lock()
		b.nsub[topic] = ns
		b.mu.Unlock()
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	b.mu.Lock()
	ns := b.nsub[topic]
	delete(b.nsub, topic)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}
