// Package agent implements the runtime shared by every agent: the lifecycle
// state machine, the dispatch message loop, and heartbeat publishing. Domain
// logic plugs in through the Handler interface and receives explicit bus and
// memory handles, never globals.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

// Handler is the domain logic of one agent type. Handle is invoked once per
// dispatched task; a returned error travels back to the requester as an
// error payload and never crashes the runtime unless flagged fatal.
type Handler interface {
	// Capabilities declares what task capabilities this handler serves.
	Capabilities() []string

	// Handle executes one task. The memory manager handle is the agent's
	// window into shared knowledge.
	Handle(ctx context.Context, req orchestrator.DispatchRequest, mem *memory.Manager) (json.RawMessage, error)
}

// EventHandler is optionally implemented by handlers that also want
// broadcast events, such as task completions from other agents.
type EventHandler interface {
	EventTopics() []string
	OnEvent(ctx context.Context, topic string, payload json.RawMessage)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable: the runtime reports it and transitions
// to Failed instead of staying running.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the fatal mark.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
