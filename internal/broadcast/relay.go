package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRelayBuffer = 1024

// RedisRelay shares published messages between engine instances over Redis
// pub/sub, one channel per session.
type RedisRelay struct {
	client *redis.Client
	prefix string
	hub    *Hub
	out    chan Message
}

func NewRedisRelay(client *redis.Client, prefix string, hub *Hub) *RedisRelay {
	if prefix == "" {
		prefix = "draftsync:"
	}
	relay := &RedisRelay{
		client: client,
		prefix: prefix + "events:",
		hub:    hub,
		out:    make(chan Message, defaultRelayBuffer),
	}
	hub.SetRelay(relay)
	return relay
}

func (r *RedisRelay) channel(sessionID string) string {
	return r.prefix + sessionID
}

// Forward queues msg for publishing; it never waits on Redis.
func (r *RedisRelay) Forward(ctx context.Context, msg Message) error {
	select {
	case r.out <- msg:
		return nil
	default:
		return fmt.Errorf("relay queue full")
	}
}

// Run publishes queued messages and delivers messages from other instances
// until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	incoming := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Printf("broadcast: encode relay message: %v", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel(msg.SessionID), payload).Err(); err != nil {
				log.Printf("broadcast: publish %s: %v", msg.SessionID, err)
			}
		case in, ok := <-incoming:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(in.Payload), &msg); err != nil {
				log.Printf("broadcast: decode relay message on %s: %v", in.Channel, err)
				continue
			}
			if msg.Origin == r.hub.Instance() {
				continue
			}
			if msg.SessionID == "" {
				msg.SessionID = strings.TrimPrefix(in.Channel, r.prefix)
			}
			r.hub.Deliver(msg)
		}
	}
}
