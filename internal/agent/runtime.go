package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DanielRibauFotografia/jarvis/internal/bus"
	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

// State is the runtime lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithHeartbeatInterval overrides the heartbeat cadence H.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) { r.hbEvery = d }
}

// WithShutdownGrace bounds how long Stop waits for in-flight handlers.
func WithShutdownGrace(d time.Duration) Option {
	return func(r *Runtime) { r.grace = d }
}

// Runtime runs one agent instance: it subscribes to the agent's dispatch
// topic, invokes the handler per message, publishes heartbeats at H, and
// walks the Created → Starting → Running → Stopping → Stopped state machine,
// with Failed reachable on unrecoverable errors.
type Runtime struct {
	id        string
	agentType string
	handler   Handler
	bus       bus.Bus
	mem       *memory.Manager
	hbEvery   time.Duration
	grace     time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	state  State
	subs   []*bus.Subscription
	cancel context.CancelFunc

	inflight sync.WaitGroup
	busy     atomic.Int64
	seen     *seenSet
}

// NewRuntime creates a runtime in Created state. The id must be the record
// id the orchestrator's registry allocated for this instance, so heartbeats
// and dispatches line up.
func NewRuntime(id, agentType string, h Handler, b bus.Bus, mem *memory.Manager, logger *zap.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		id:        id,
		agentType: agentType,
		handler:   h,
		bus:       b,
		mem:       mem,
		hbEvery:   5 * time.Second,
		grace:     10 * time.Second,
		logger:    logger.With(zap.String("agent", id), zap.String("type", agentType)),
		state:     StateCreated,
		seen:      newSeenSet(256),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the runtime's agent id.
func (r *Runtime) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) transition(from []State, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range from {
		if r.state == f {
			r.state = to
			return nil
		}
	}
	return fmt.Errorf("agent %s: cannot transition %s -> %s", r.id, r.state, to)
}

// Start subscribes to the agent's inbound topics, publishes the initial
// heartbeat, and enters Running. The dispatch subscription uses group mode
// so a redelivered dispatch lands on exactly one consumer.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.transition([]State{StateCreated}, StateStarting); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(ctx, orchestrator.DispatchTopic(r.id),
		bus.SubscribeOptions{Mode: bus.Group, Group: "agent-" + r.id}, r.onDispatch)
	if err != nil {
		r.fail(ctx, fmt.Errorf("subscribe dispatch topic: %w", err))
		return err
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	if eh, ok := r.handler.(EventHandler); ok {
		for _, topic := range eh.EventTopics() {
			topic := topic
			sub, err := r.bus.Subscribe(ctx, topic, bus.SubscribeOptions{Mode: bus.Broadcast},
				func(ctx context.Context, msg *bus.Message) {
					eh.OnEvent(ctx, topic, msg.Payload)
				})
			if err != nil {
				r.fail(ctx, fmt.Errorf("subscribe %s: %w", topic, err))
				return err
			}
			r.mu.Lock()
			r.subs = append(r.subs, sub)
			r.mu.Unlock()
		}
	}

	if err := r.bus.Publish(ctx, orchestrator.TopicAgentStarted,
		orchestrator.LifecycleEvent{AgentID: r.id, Type: r.agentType}); err != nil {
		r.fail(ctx, fmt.Errorf("publish started event: %w", err))
		return err
	}
	if err := r.beat(ctx); err != nil {
		r.fail(ctx, fmt.Errorf("initial heartbeat: %w", err))
		return err
	}

	if err := r.transition([]State{StateStarting}, StateRunning); err != nil {
		return err
	}

	go r.heartbeatLoop(loopCtx)

	r.logger.Info("agent running", zap.Strings("capabilities", r.handler.Capabilities()))
	return nil
}

// Stop drains in-flight handlers bounded by the shutdown grace period, then
// transitions to Stopped. Handlers still running after the grace are
// abandoned and the transition proceeds regardless.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.transition([]State{StateRunning, StateStarting}, StateStopping); err != nil {
		return err
	}
	r.teardown()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn("shutdown grace elapsed, abandoning in-flight handlers",
			zap.Duration("grace", r.grace))
	case <-ctx.Done():
	}

	if err := r.bus.Publish(ctx, orchestrator.TopicAgentStopped,
		orchestrator.LifecycleEvent{AgentID: r.id, Type: r.agentType}); err != nil {
		r.logger.Warn("publish stopped event failed", zap.Error(err))
	}

	_ = r.transition([]State{StateStopping}, StateStopped)
	r.logger.Info("agent stopped")
	return nil
}

func (r *Runtime) teardown() {
	r.mu.Lock()
	cancel := r.cancel
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// fail records an unrecoverable error and leaves the runtime in Failed.
func (r *Runtime) fail(ctx context.Context, err error) {
	r.mu.Lock()
	if r.state == StateFailed || r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.state = StateFailed
	r.mu.Unlock()

	r.logger.Error("agent failed", zap.Error(err))
	r.teardown()
	if pubErr := r.bus.Publish(ctx, orchestrator.TopicAgentStopped,
		orchestrator.LifecycleEvent{AgentID: r.id, Type: r.agentType}); pubErr != nil {
		r.logger.Warn("publish stopped event failed", zap.Error(pubErr))
	}
}

// onDispatch handles one dispatch request. Duplicate deliveries are dropped
// on the request's correlation id; handler errors go back as error payloads.
func (r *Runtime) onDispatch(ctx context.Context, msg *bus.Message) {
	if msg.CorrelationID != "" && !r.seen.observe(msg.CorrelationID) {
		r.logger.Debug("duplicate dispatch ignored",
			zap.String("correlation_id", msg.CorrelationID))
		return
	}
	if r.State() != StateRunning {
		return
	}

	r.inflight.Add(1)
	defer r.inflight.Done()
	r.busy.Add(1)
	defer r.busy.Add(-1)

	var req orchestrator.DispatchRequest
	if err := msg.Decode(&req); err != nil {
		r.respond(ctx, msg, orchestrator.DispatchResult{
			Error: fmt.Sprintf("undecodable dispatch: %v", err),
		})
		return
	}

	if err := r.bus.Publish(ctx, orchestrator.TopicTaskProgress,
		orchestrator.ProgressEvent{TaskID: req.TaskID, AgentID: r.id}); err != nil {
		r.logger.Debug("publish progress failed", zap.Error(err))
	}

	out, err := r.handler.Handle(ctx, req, r.mem)
	if err != nil {
		r.respond(ctx, msg, orchestrator.DispatchResult{
			TaskID: req.TaskID,
			Error:  err.Error(),
			Fatal:  IsFatal(err),
		})
		if IsFatal(err) {
			r.fail(ctx, err)
		}
		return
	}
	r.respond(ctx, msg, orchestrator.DispatchResult{TaskID: req.TaskID, Result: out})
}

func (r *Runtime) respond(ctx context.Context, msg *bus.Message, res orchestrator.DispatchResult) {
	if err := r.bus.Respond(ctx, msg, res); err != nil {
		r.logger.Warn("respond failed",
			zap.String("task", res.TaskID), zap.Error(err))
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.hbEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *Runtime) beat(ctx context.Context) error {
	status := orchestrator.AgentReady
	if r.busy.Load() > 0 {
		status = orchestrator.AgentBusy
	}
	return r.bus.Publish(ctx, orchestrator.TopicHeartbeat, orchestrator.Heartbeat{
		AgentID: r.id,
		Status:  status,
		SentAt:  time.Now(),
	})
}

// seenSet remembers the last n observed ids for at-least-once deduplication.
type seenSet struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{set: make(map[string]struct{}, n), ring: make([]string, n)}
}

// observe returns true on the first sighting of id.
func (s *seenSet) observe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.set[id] = struct{}{}
	return true
}
