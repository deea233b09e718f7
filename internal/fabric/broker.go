package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel name helpers (§6 channel naming).
func AgentChannel(agentID string) string { return "agent:" + agentID }
func TierChannel(tier string) string     { return tier }

const (
	ChannelBroadcast    = "broadcast"
	ChannelOrchestrator = "orchestrator"
)

// StreamKey returns the durable-stream key for an agent.
func StreamKey(agentID string) string { return "stream:agent:" + agentID }

// GroupName returns the consumer-group name for an agent type.
func GroupName(agentType string) string { return "agent-" + agentType }

// ConsumerName returns this process's consumer name within the group.
func ConsumerName(agentType string) string {
	return fmt.Sprintf("%s-%d", agentType, os.Getpid())
}

// IdleClaimThreshold is how long a pending stream entry may sit unacked
// before another consumer reclaims it (§4.2, §5).
const IdleClaimThreshold = 30 * time.Second

// Broker wraps a Redis connection with the two Message Fabric transports.
type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewBroker connects to Redis at addr (host:port), selecting db and using
// password if non-empty.
func NewBroker(addr, password string, db int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger,
	}
}

// Close releases the underlying connection.
func (b *Broker) Close() error { return b.rdb.Close() }

// Publish sends a Message on a pub/sub channel (best-effort).
func (b *Broker) Publish(ctx context.Context, channel string, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription to one or more channels. The
// caller reads decoded Messages off the returned channel until ctx is
// canceled; malformed payloads are logged and dropped rather than killing
// the subscription (§7: one bad payload cannot kill the daemon).
func (b *Broker) Subscribe(ctx context.Context, channels ...string) <-chan Message {
	ps := b.rdb.Subscribe(ctx, channels...)
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
					b.logger.Warn("fabric: dropping malformed pub/sub payload", "channel", raw.Channel, "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// EnsureStreamGroup idempotently creates the consumer group for a stream,
// tolerating a pre-existing group (BUSYGROUP) per §4.2 and §8's idempotence
// requirement.
func (b *Broker) EnsureStreamGroup(ctx context.Context, streamKey, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s on %s: %w", group, streamKey, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// AddToStream durably appends a Message for at-least-once delivery.
func (b *Broker) AddToStream(ctx context.Context, streamKey string, m Message) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal stream message: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"message": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", streamKey, err)
	}
	return id, nil
}

// StreamEntry pairs a decoded Message with its delivery id, needed to ack.
type StreamEntry struct {
	ID      string
	Message Message
}

// ReadGroup blocks up to 5s reading up to 10 new stream entries for the
// given consumer group/name (§4.2).
func (b *Broker) ReadGroup(ctx context.Context, streamKey, group, consumer string) ([]StreamEntry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    10,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", streamKey, err)
	}
	return decodeStreamResult(res), nil
}

// ReclaimIdle claims entries that have sat pending longer than
// IdleClaimThreshold, for crash recovery on startup (§4.2).
func (b *Broker) ReclaimIdle(ctx context.Context, streamKey, group, consumer string) ([]StreamEntry, error) {
	var reclaimed []StreamEntry
	start := "0-0"
	for {
		msgs, cursor, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey,
			Group:    group,
			Consumer: consumer,
			MinIdle:  IdleClaimThreshold,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				break
			}
			return nil, fmt.Errorf("xautoclaim %s: %w", streamKey, err)
		}
		for _, m := range msgs {
			var decoded Message
			if raw, ok := m.Values["message"].(string); ok {
				if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
					continue
				}
			}
			reclaimed = append(reclaimed, StreamEntry{ID: m.ID, Message: decoded})
		}
		if cursor == "0-0" || len(msgs) == 0 {
			break
		}
		start = cursor
	}
	return reclaimed, nil
}

// Ack acknowledges a successfully-processed stream entry.
func (b *Broker) Ack(ctx context.Context, streamKey, group, id string) error {
	if err := b.rdb.XAck(ctx, streamKey, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", streamKey, id, err)
	}
	return nil
}

func decodeStreamResult(res []redis.XStream) []StreamEntry {
	var out []StreamEntry
	for _, stream := range res {
		for _, m := range stream.Messages {
			var decoded Message
			if raw, ok := m.Values["message"].(string); ok {
				if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
					continue
				}
			}
			out = append(out, StreamEntry{ID: m.ID, Message: decoded})
		}
	}
	return out
}

// RedisAddrFromEnv resolves REDIS_ADDR (default localhost:6379), REDIS_PASSWORD,
// and REDIS_DB from the environment.
func RedisAddrFromEnv() (addr, password string, db int) {
	addr = os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	password = os.Getenv("REDIS_PASSWORD")
	db = 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			db = n
		}
	}
	return addr, password, db
}
