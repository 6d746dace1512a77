package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const subscriberQueueSize = 128

type inprocSub struct {
	topic   string
	group   string // empty for broadcast
	handler Handler
	queue   chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *inprocSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// run delivers queued messages to the handler one at a time, preserving
// per-topic arrival order for this subscriber.
func (s *inprocSub) run() {
	for {
		select {
		case msg := <-s.queue:
			s.handler(context.Background(), msg)
		case <-s.done:
			return
		}
	}
}

// InProcBus is a process-local Bus. Every subscriber owns an ordered delivery
// queue drained by its own goroutine, so publishers never run handlers inline
// and FIFO per (publisher, topic) holds. Group subscribers share a
// round-robin cursor per (topic, group).
type InProcBus struct {
	name   string
	policy RetryPolicy
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[string][]*inprocSub
	cursors map[string]int
	closed  bool
}

// NewInProcBus creates an in-process bus. The name tags outgoing messages as
// the sender.
func NewInProcBus(name string, logger *zap.Logger) *InProcBus {
	return &InProcBus{
		name:    name,
		policy:  DefaultRetryPolicy(),
		logger:  logger,
		subs:    make(map[string][]*inprocSub),
		cursors: make(map[string]int),
	}
}

// Publish sends an event-kind message to topic.
func (b *InProcBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	msg, err := NewEvent(b.name, topic, payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return b.publishMsg(ctx, msg)
}

func (b *InProcBus) publishMsg(ctx context.Context, msg *Message) error {
	return retry(ctx, b.policy, func() error {
		return b.deliver(ctx, msg)
	})
}

// deliver fans the message out: a copy to every broadcast subscriber and one
// member of each group.
func (b *InProcBus) deliver(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*inprocSub
	groups := make(map[string][]*inprocSub)
	for _, s := range b.subs[msg.Topic] {
		if s.group == "" {
			targets = append(targets, s)
		} else {
			groups[s.group] = append(groups[s.group], s)
		}
	}
	for group, members := range groups {
		key := msg.Topic + "/" + group
		i := b.cursors[key] % len(members)
		b.cursors[key] = i + 1
		targets = append(targets, members[i])
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for topic.
func (b *InProcBus) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (*Subscription, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &inprocSub{
		topic:   topic,
		handler: h,
		queue:   make(chan *Message, subscriberQueueSize),
		done:    make(chan struct{}),
	}
	if opts.Mode == Group {
		s.group = opts.Group
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go s.run()

	return &Subscription{topic: topic, cancel: func() { b.remove(topic, s) }}, nil
}

func (b *InProcBus) remove(topic string, target *inprocSub) {
	b.mu.Lock()
	list := b.subs[topic]
	for i, s := range list {
		if s == target {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	target.stop()
}

// Request issues a request-kind message and waits for the correlated
// response or the timeout.
func (b *InProcBus) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (*Message, error) {
	return doRequest(ctx, b, b.name, topic, payload, timeout)
}

// Respond publishes a response to req.ReplyTo.
func (b *InProcBus) Respond(ctx context.Context, req *Message, payload interface{}) error {
	return doRespond(ctx, b, b.name, req, payload)
}

// Close stops all subscribers and rejects further publishes.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*inprocSub
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*inprocSub)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}
