// Package bus defines the message envelope and the publish/subscribe and
// request/response contract shared by the orchestrator and every agent
// runtime. Two backends implement it: an in-process bus for single-node and
// test runs, and a Redis-backed bus for multi-process deployments.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusUnavailable reports that the transport stayed unreachable after
	// the publish retry budget was exhausted.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrTimeout reports that no correlated response arrived within the
	// request deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidArgument reports a malformed call, such as responding to a
	// message that carries no reply topic.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed reports an operation on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// SubscribeMode selects how a topic's messages are shared among subscribers.
type SubscribeMode int

const (
	// Broadcast fans every message out to all current subscribers.
	Broadcast SubscribeMode = iota
	// Group delivers each message to exactly one member of a named
	// competing-consumer group.
	Group
)

// SubscribeOptions declares the subscription mode. Group mode requires a
// non-empty group name.
type SubscribeOptions struct {
	Mode  SubscribeMode
	Group string
}

func (o SubscribeOptions) validate() error {
	if o.Mode == Group && o.Group == "" {
		return fmt.Errorf("group subscription requires a group name: %w", ErrInvalidArgument)
	}
	return nil
}

// Handler is invoked once per delivered message. Delivery is at-least-once;
// handlers must be idempotent or deduplicate on message identity.
type Handler func(ctx context.Context, msg *Message)

// Subscription is the handle returned by Subscribe. Unsubscribe stops
// delivery; it is safe to call more than once.
type Subscription struct {
	topic  string
	cancel func()
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe tears the subscription down.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus is the transport abstraction consumed by the orchestrator and agent
// runtimes.
type Bus interface {
	// Publish sends an event to every current broadcast subscriber of topic
	// and to one member of each consumer group, at-least-once, FIFO per
	// (publisher, topic) pair. Transport failures are retried with
	// exponential backoff and surface as ErrBusUnavailable once the budget
	// is spent.
	Publish(ctx context.Context, topic string, payload interface{}) error

	// Subscribe registers a handler for topic. Each broadcast subscriber
	// receives its own copy of every message.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (*Subscription, error)

	// Request publishes a request-kind message and blocks until a response
	// with the matching correlation id arrives or the timeout elapses. On
	// timeout the ephemeral reply subscription is torn down and late
	// responses are discarded.
	Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (*Message, error)

	// Respond publishes a response to req.ReplyTo echoing its correlation id.
	Respond(ctx context.Context, req *Message, payload interface{}) error

	Close() error
}

// RetryPolicy bounds publish retries. Delays double per attempt from Base up
// to Max.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the configured publish retry budget used when a
// bus is constructed without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, Base: 50 * time.Millisecond, Max: 2 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	return d
}

// retry runs fn up to the policy's attempt budget, sleeping between failures.
// The final error is wrapped in ErrBusUnavailable so callers can distinguish
// transport exhaustion from their own failures.
func retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if last = fn(); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(i)):
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrBusUnavailable, attempts, last)
}
