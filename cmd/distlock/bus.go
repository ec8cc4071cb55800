package main

import (
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-distlock/v1/config"
	"github.com/mirkobrombin/go-distlock/v1/syncbus"
)

// openBus builds the event transport named by kind. An empty kind means no
// bus. addr defaults to the lock server for redis and to the local NATS URL.
func openBus(kind, addr string, cfg *config.Redis) (syncbus.Bus, func(), error) {
	switch kind {
	case "":
		return nil, func() {}, nil
	case "redis":
		opts := &redis.Options{Addr: addr}
		if addr == "" {
			if cfg == nil || cfg.Hostname == "" {
				return nil, nil, fmt.Errorf("-bus redis needs -bus-addr or a configured redis hostname")
			}
			opts = &redis.Options{Addr: cfg.Addr(), Password: cfg.Secret(), DB: cfg.DB()}
		}
		client := redis.NewClient(opts)
		bus := syncbus.NewRedisBus(client)
		return bus, func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil
	case "nats":
		if addr == "" {
			addr = nats.DefaultURL
		}
		nc, err := nats.Connect(addr)
		if err != nil {
			return nil, nil, err
		}
		return syncbus.NewNATSBus(nc), nc.Close, nil
	case "kafka":
		if addr == "" {
			return nil, nil, fmt.Errorf("-bus kafka needs -bus-addr")
		}
		bus, err := syncbus.NewKafkaBus(strings.Split(addr, ","), nil, syncbus.DefaultKafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = bus.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus %q, want redis, nats or kafka", kind)
	}
}
