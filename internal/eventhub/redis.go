package eventhub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/posterforge/internal/platform/logger"
)

// redisFederator federates EventHub events across processes via Redis pub/sub.
type redisFederator struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisFederator dials Redis and returns a Federator publishing/subscribing on
// the given channel (default "posterforge-events").
func NewRedisFederator(addr, channel string, log *logger.Logger) (Federator, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "posterforge-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisFederator{
		log:     log.With("component", "EventHubFederator"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (f *redisFederator) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, raw).Err()
}

func (f *redisFederator) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					f.log.Warn("bad federated event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (f *redisFederator) Close() error {
	return f.rdb.Close()
}
