package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// publisher is the minimal surface request/respond need from a bus backend.
type publisher interface {
	publishMsg(ctx context.Context, msg *Message) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (*Subscription, error)
}

// doRequest implements the request/response protocol shared by both
// backends: generate a correlation id and an ephemeral reply topic, subscribe
// to the reply topic, publish the request, and wait for the correlated
// response. Mismatched correlation ids are discarded, never misrouted; a
// response arriving after the timeout is dropped with the torn-down
// subscription.
func doRequest(ctx context.Context, b publisher, sender, topic string, payload interface{}, timeout time.Duration) (*Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	corrID := uuid.New().String()
	reply := replyTopic()
	respCh := make(chan *Message, 1)

	sub, err := b.Subscribe(ctx, reply, SubscribeOptions{Mode: Broadcast}, func(_ context.Context, m *Message) {
		if m.Kind != KindResponse || m.CorrelationID != corrID {
			return
		}
		select {
		case respCh <- m:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply topic: %w", err)
	}
	defer sub.Unsubscribe()

	req := &Message{
		ID:            uuid.New().String(),
		Topic:         topic,
		Kind:          KindRequest,
		CorrelationID: corrID,
		ReplyTo:       reply,
		Sender:        sender,
		SentAt:        time.Now(),
		Payload:       data,
	}
	if err := b.publishMsg(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response on %s after %s: %w", topic, timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doRespond builds and publishes the response for req.
func doRespond(ctx context.Context, b publisher, sender string, req *Message, payload interface{}) error {
	if req == nil || req.ReplyTo == "" {
		return fmt.Errorf("request has no reply_to topic: %w", ErrInvalidArgument)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal response payload: %w", err)
	}
	resp := &Message{
		ID:            uuid.New().String(),
		Topic:         req.ReplyTo,
		Kind:          KindResponse,
		CorrelationID: req.CorrelationID,
		Sender:        sender,
		SentAt:        time.Now(),
		Payload:       data,
	}
	return b.publishMsg(ctx, resp)
}
