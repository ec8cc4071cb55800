package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("DISTLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	topic := UnlockTopic(uuid.NewString())
	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := bus.Publish(ctx, Event{Topic: topic, Origin: "n1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Origin != "n1" {
			t.Fatalf("unexpected origin %q", ev.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		_, ok := bus.nsub["key"]
		bus.mu.Unlock()
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nats subscription still present after context cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNATSBusSharesSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch1, _ := bus.Subscribe(ctx, "shared")
	ch2, _ := bus.Subscribe(ctx, "shared")
	_ = bus.conn.Flush()

	bus.mu.Lock()
	n := len(bus.nsub)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one nats subscription, got %d", n)
	}

	_ = bus.Publish(ctx, Event{Topic: "shared"})
	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for fan-out")
		}
	}

	_ = bus.Unsubscribe(ctx, "shared", ch1)
	bus.mu.Lock()
	_, still := bus.nsub["shared"]
	bus.mu.Unlock()
	if !still {
		t.Fatal("nats subscription dropped while a subscriber remains")
	}
}
