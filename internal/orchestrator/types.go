// Package orchestrator owns the agent registry, heartbeat monitoring, task
// dispatch, and failure recovery. It talks to agent runtimes only through the
// bus: dispatch is a request on the agent's dispatch topic, liveness is a
// broadcast heartbeat event.
package orchestrator

import (
	"encoding/json"
	"errors"
	"time"
)

// AgentStatus tracks an agent's lifecycle as seen by the registry.
type AgentStatus string

const (
	AgentStarting  AgentStatus = "starting"
	AgentReady     AgentStatus = "ready"
	AgentBusy      AgentStatus = "busy"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentStopped   AgentStatus = "stopped"
)

// TaskStatus tracks task execution state. Completed and failed are terminal.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

var (
	// ErrNoEligibleAgent reports that no ready agent with the required
	// capability exists.
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrUnknownTask reports a lookup of a task id the orchestrator never
	// issued.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownAgent reports a lookup of an unregistered agent id.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Bus topics. Dispatch requests go to a per-agent topic; everything else is
// broadcast under the "<domain>.<event>" convention.
const (
	TopicHeartbeat     = "agents.heartbeat"
	TopicAgentStarted  = "agents.started"
	TopicAgentStopped  = "agents.stopped"
	TopicTaskProgress  = "tasks.progress"
	TopicTaskCompleted = "tasks.completed"
	TopicTaskFailed    = "tasks.failed"
)

// DispatchTopic is the per-agent request topic.
func DispatchTopic(agentID string) string {
	return "agents." + agentID + ".dispatch"
}

// AgentRecord is the registry's view of one agent. Owned by the registry;
// mutated only via heartbeats, lifecycle events, and staleness detection.
type AgentRecord struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// HasCapability reports whether the record's capability set contains c.
func (r *AgentRecord) HasCapability(c string) bool {
	for _, cap := range r.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Task is a unit of work submitted to the orchestrator.
type Task struct {
	ID                 string          `json:"id"`
	Description        json.RawMessage `json:"description"`
	RequiredCapability string          `json:"required_capability"`
	Status             TaskStatus      `json:"status"`
	AssignedAgent      string          `json:"assigned_agent,omitempty"`
	Attempts           int             `json:"attempts"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	Deadline           time.Time       `json:"deadline"`
	Result             json.RawMessage `json:"result,omitempty"`
	LastError          string          `json:"last_error,omitempty"`

	// lastFailedAgent is excluded from the next dispatch when an
	// alternative exists.
	lastFailedAgent string
}

// Terminal reports whether the task reached completed or failed.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Heartbeat is the payload agents broadcast on TopicHeartbeat.
type Heartbeat struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
	SentAt  time.Time   `json:"sent_at"`
}

// LifecycleEvent is the payload for agent started/stopped events.
type LifecycleEvent struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type"`
}

// DispatchRequest is the payload of a dispatch request message.
type DispatchRequest struct {
	TaskID      string          `json:"task_id"`
	Description json.RawMessage `json:"description"`
	Capability  string          `json:"capability"`
	Attempt     int             `json:"attempt"`
}

// DispatchResult is the payload of a dispatch response. A non-empty Error
// reports a handler failure; Fatal marks errors that took the agent down.
type DispatchResult struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Fatal  bool            `json:"fatal,omitempty"`
}

// ProgressEvent is broadcast by a runtime when it picks a dispatch up.
type ProgressEvent struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// Status is the operator-facing snapshot served by the status command.
type Status struct {
	StartedAt     time.Time          `json:"started_at"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Agents        []*AgentRecord     `json:"agents"`
	AgentCounts   map[AgentStatus]int `json:"agent_counts"`
	TaskCounts    map[TaskStatus]int  `json:"task_counts"`
}
