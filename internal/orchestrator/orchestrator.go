package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DanielRibauFotografia/jarvis/internal/bus"
)

// Config bounds the orchestrator's timing and retry policy.
type Config struct {
	// HeartbeatInterval is H; agents beat at this cadence.
	HeartbeatInterval time.Duration
	// StaleMultiplier times H without a heartbeat marks an agent unhealthy.
	StaleMultiplier int
	// RetryCeiling is the maximum number of dispatch attempts per task.
	RetryCeiling int
	// RequestTimeout bounds each dispatch request.
	RequestTimeout time.Duration
	// PollInterval is the cadence of the pending-task dispatch loop.
	PollInterval time.Duration
	// SubmitDeadline bounds how long a task may sit pending before it fails
	// with no eligible agent.
	SubmitDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 3
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SubmitDeadline <= 0 {
		c.SubmitDeadline = 2 * time.Minute
	}
	return c
}

// StaleAfter is the heartbeat window after which an agent is unhealthy.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleMultiplier) * c.HeartbeatInterval
}

// Orchestrator dispatches submitted tasks to eligible agents over the bus
// and tracks agent liveness through heartbeats.
type Orchestrator struct {
	cfg      Config
	bus      bus.Bus
	registry *Registry
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	waiters map[string][]chan struct{}

	startedAt time.Time
	subs      []*bus.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Orchestrator with its own registry.
func New(b bus.Bus, cfg Config, logger *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		bus:      b,
		registry: NewRegistry(cfg.StaleAfter(), logger),
		logger:   logger,
		tasks:    make(map[string]*Task),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Registry exposes the agent registry for registration and status queries.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Start subscribes to heartbeat and lifecycle topics and starts the health
// and dispatch loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.startedAt = time.Now()

	broadcast := bus.SubscribeOptions{Mode: bus.Broadcast}
	topics := map[string]bus.Handler{
		TopicHeartbeat:    o.onHeartbeat,
		TopicAgentStopped: o.onAgentStopped,
		TopicTaskProgress: o.onTaskProgress,
	}
	for topic, h := range topics {
		sub, err := o.bus.Subscribe(ctx, topic, broadcast, h)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		o.subs = append(o.subs, sub)
	}

	o.wg.Add(2)
	go o.healthLoop(loopCtx)
	go o.dispatchLoop(loopCtx)

	o.logger.Info("orchestrator started",
		zap.Duration("heartbeat_interval", o.cfg.HeartbeatInterval),
		zap.Int("retry_ceiling", o.cfg.RetryCeiling))
	return nil
}

// Stop tears down subscriptions and waits for in-flight dispatches.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	for _, s := range o.subs {
		s.Unsubscribe()
	}
	o.wg.Wait()
}

// Submit creates a pending task and returns its id. The dispatch loop picks
// it up on the next poll.
func (o *Orchestrator) Submit(description interface{}, capability string) (string, error) {
	if capability == "" {
		return "", fmt.Errorf("required capability must not be empty")
	}
	desc, err := json.Marshal(description)
	if err != nil {
		return "", fmt.Errorf("marshal description: %w", err)
	}
	now := time.Now()
	t := &Task{
		ID:                 uuid.New().String(),
		Description:        desc,
		RequiredCapability: capability,
		Status:             TaskPending,
		SubmittedAt:        now,
		Deadline:           now.Add(o.cfg.SubmitDeadline),
	}
	o.mu.Lock()
	o.tasks[t.ID] = t
	o.order = append(o.order, t.ID)
	o.mu.Unlock()

	o.logger.Info("task submitted",
		zap.String("task", t.ID),
		zap.String("capability", capability))
	return t.ID, nil
}

// Task returns a copy of the task.
func (o *Orchestrator) Task(id string) (*Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	cp := *t
	return &cp, nil
}

// Tasks returns copies of all tasks in submission order.
func (o *Orchestrator) Tasks() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Task, 0, len(o.order))
	for _, id := range o.order {
		cp := *o.tasks[id]
		out = append(out, &cp)
	}
	return out
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if t.Terminal() {
		cp := *t
		o.mu.Unlock()
		return &cp, nil
	}
	done := make(chan struct{})
	o.waiters[id] = append(o.waiters[id], done)
	o.mu.Unlock()

	select {
	case <-done:
		return o.Task(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot builds the operator status view.
func (o *Orchestrator) Snapshot() *Status {
	agents := o.registry.List()
	agentCounts := make(map[AgentStatus]int)
	for _, a := range agents {
		agentCounts[a.Status]++
	}

	o.mu.Lock()
	taskCounts := make(map[TaskStatus]int)
	for _, t := range o.tasks {
		taskCounts[t.Status]++
	}
	o.mu.Unlock()

	return &Status{
		StartedAt:     o.startedAt,
		UptimeSeconds: time.Since(o.startedAt).Seconds(),
		Agents:        agents,
		AgentCounts:   agentCounts,
		TaskCounts:    taskCounts,
	}
}

// --- bus handlers ---

func (o *Orchestrator) onHeartbeat(_ context.Context, msg *bus.Message) {
	var hb Heartbeat
	if err := msg.Decode(&hb); err != nil {
		o.logger.Warn("undecodable heartbeat", zap.Error(err))
		return
	}
	o.registry.ObserveHeartbeat(hb.AgentID, hb.Status, time.Now())
}

func (o *Orchestrator) onAgentStopped(_ context.Context, msg *bus.Message) {
	var ev LifecycleEvent
	if err := msg.Decode(&ev); err != nil {
		return
	}
	o.registry.SetStatus(ev.AgentID, AgentStopped)
	o.logger.Info("agent stopped", zap.String("agent", ev.AgentID))
}

func (o *Orchestrator) onTaskProgress(_ context.Context, msg *bus.Message) {
	var ev ProgressEvent
	if err := msg.Decode(&ev); err != nil {
		return
	}
	o.mu.Lock()
	if t, ok := o.tasks[ev.TaskID]; ok && t.Status == TaskDispatched && t.AssignedAgent == ev.AgentID {
		t.Status = TaskInProgress
	}
	o.mu.Unlock()
}

// --- loops ---

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.registry.MarkStale(time.Now())
		}
	}
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.dispatchPending(ctx)
		}
	}
}

// dispatchPending scans pending tasks in submission order, failing the ones
// whose submission deadline passed and trying to dispatch the rest.
func (o *Orchestrator) dispatchPending(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	var due, expired []string
	for _, id := range o.order {
		t := o.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		if now.After(t.Deadline) {
			expired = append(expired, id)
		} else {
			due = append(due, id)
		}
	}
	for _, id := range expired {
		t := o.tasks[id]
		t.Status = TaskFailed
		t.LastError = fmt.Errorf("capability %q within %s: %w",
			t.RequiredCapability, o.cfg.SubmitDeadline, ErrNoEligibleAgent).Error()
		o.notifyLocked(t)
	}
	o.mu.Unlock()

	for _, id := range expired {
		o.publishTerminal(ctx, id)
	}
	for _, id := range due {
		o.tryDispatch(ctx, id)
	}
}

// tryDispatch moves one pending task to dispatched if an eligible agent
// exists, then issues the request from its own goroutine.
func (o *Orchestrator) tryDispatch(ctx context.Context, taskID string) {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok || t.Status != TaskPending {
		o.mu.Unlock()
		return
	}
	agent, err := o.registry.Eligible(t.RequiredCapability, t.lastFailedAgent)
	if err != nil {
		// Stays pending; retried next poll until the deadline.
		o.mu.Unlock()
		return
	}
	t.Status = TaskDispatched
	t.AssignedAgent = agent.ID
	req := DispatchRequest{
		TaskID:      t.ID,
		Description: t.Description,
		Capability:  t.RequiredCapability,
		Attempt:     t.Attempts + 1,
	}
	o.mu.Unlock()

	o.logger.Info("dispatching task",
		zap.String("task", taskID),
		zap.String("agent", agent.ID),
		zap.Int("attempt", req.Attempt))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatch(ctx, taskID, agent.ID, req)
	}()
}

// dispatch issues the request and settles the attempt. A response from an
// earlier, timed-out attempt can never land here: its reply subscription was
// torn down with the timeout.
func (o *Orchestrator) dispatch(ctx context.Context, taskID, agentID string, req DispatchRequest) {
	var res DispatchResult
	resp, err := o.bus.Request(ctx, DispatchTopic(agentID), req, o.cfg.RequestTimeout)
	if err == nil {
		err = resp.Decode(&res)
	}

	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok || t.Terminal() {
		o.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		o.failAttemptLocked(t, agentID, err.Error())
	case res.Error != "":
		o.failAttemptLocked(t, agentID, res.Error)
	default:
		t.Status = TaskCompleted
		t.Result = res.Result
		o.notifyLocked(t)
	}
	terminal := t.Terminal()
	o.mu.Unlock()

	if terminal {
		o.publishTerminal(ctx, taskID)
	}
}

// failAttemptLocked counts the failed dispatch and either requeues the task,
// excluding the agent that just failed, or fails it for good once the retry
// ceiling is reached. Caller holds o.mu.
func (o *Orchestrator) failAttemptLocked(t *Task, agentID, cause string) {
	t.Attempts++
	t.LastError = cause
	t.lastFailedAgent = agentID
	t.AssignedAgent = ""

	if t.Attempts >= o.cfg.RetryCeiling {
		t.Status = TaskFailed
		o.notifyLocked(t)
		o.logger.Warn("task failed, retry ceiling reached",
			zap.String("task", t.ID),
			zap.Int("attempts", t.Attempts),
			zap.String("last_error", cause))
		return
	}
	t.Status = TaskPending
	o.logger.Info("dispatch attempt failed, requeueing",
		zap.String("task", t.ID),
		zap.String("agent", agentID),
		zap.Int("attempts", t.Attempts),
		zap.String("error", cause))
}

func (o *Orchestrator) notifyLocked(t *Task) {
	for _, ch := range o.waiters[t.ID] {
		close(ch)
	}
	delete(o.waiters, t.ID)
}

// publishTerminal broadcasts the terminal state so subscribed agents and
// operators observe it.
func (o *Orchestrator) publishTerminal(ctx context.Context, taskID string) {
	t, err := o.Task(taskID)
	if err != nil {
		return
	}
	topic := TopicTaskCompleted
	if t.Status == TaskFailed {
		topic = TopicTaskFailed
	}
	if err := o.bus.Publish(ctx, topic, t); err != nil {
		o.logger.Warn("publish task event failed",
			zap.String("task", taskID), zap.Error(err))
	}
}
