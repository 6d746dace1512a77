package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "jarvis:topic:"
	streamPrefix  = "jarvis:stream:"
	streamMaxLen  = 10000
	readBlock     = 2 * time.Second
)

// RedisBus is a Redis-backed Bus. Broadcast subscriptions ride Redis Pub/Sub;
// consumer groups ride Redis Streams, which gives at-least-once delivery with
// explicit acks. Every publish goes to both the channel and the stream so
// either subscription mode observes it.
type RedisBus struct {
	name   string
	rdb    *redis.Client
	policy RetryPolicy
	logger *zap.Logger
}

// NewRedisBus connects to the broker at redisURL and verifies the connection.
func NewRedisBus(name, redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{name: name, rdb: rdb, policy: DefaultRetryPolicy(), logger: logger}, nil
}

// Publish sends an event-kind message to topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	msg, err := NewEvent(b.name, topic, payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return b.publishMsg(ctx, msg)
}

func (b *RedisBus) publishMsg(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = retry(ctx, b.policy, func() error {
		pipe := b.rdb.Pipeline()
		pipe.Publish(ctx, channelPrefix+msg.Topic, data)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + msg.Topic,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		})
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	b.logger.Debug("published message",
		zap.String("topic", msg.Topic),
		zap.String("kind", string(msg.Kind)),
		zap.String("sender", msg.Sender))
	return nil
}

// Subscribe registers a handler for topic in the declared mode.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (*Subscription, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	var err error
	if opts.Mode == Group {
		err = b.subscribeGroup(loopCtx, topic, opts.Group, h)
	} else {
		err = b.subscribeBroadcast(loopCtx, topic, h)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &Subscription{topic: topic, cancel: cancel}, nil
}

func (b *RedisBus) subscribeBroadcast(ctx context.Context, topic string, h Handler) error {
	ps := b.rdb.Subscribe(ctx, channelPrefix+topic)
	// Wait for the server to confirm the subscription; a publish right after
	// Subscribe returns must not slip past it.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := ps.Channel()

	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("drop undecodable message",
						zap.String("topic", topic), zap.Error(err))
					continue
				}
				h(ctx, &msg)
			}
		}
	}()
	return nil
}

func (b *RedisBus) subscribeGroup(ctx context.Context, topic, group string, h Handler) error {
	stream := streamPrefix + topic
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, topic, err)
	}
	consumer := group + "-" + uuid.New().String()[:8]

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    readBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, entry := range r.Messages {
					data, ok := entry.Values["data"].(string)
					if !ok {
						b.rdb.XAck(ctx, stream, group, entry.ID)
						continue
					}
					var msg Message
					if json.Unmarshal([]byte(data), &msg) == nil {
						h(ctx, &msg)
					}
					b.rdb.XAck(ctx, stream, group, entry.ID)
				}
			}
		}
	}()
	return nil
}

// Request issues a request-kind message and waits for the correlated
// response or the timeout.
func (b *RedisBus) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (*Message, error) {
	return doRequest(ctx, b, b.name, topic, payload, timeout)
}

// Respond publishes a response to req.ReplyTo.
func (b *RedisBus) Respond(ctx context.Context, req *Message, payload interface{}) error {
	return doRespond(ctx, b, b.name, req, payload)
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
