package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// record wraps an AgentRecord with its own lock so concurrent heartbeats and
// dispatch decisions serialize per record, not across the whole registry.
type record struct {
	mu  sync.Mutex
	rec AgentRecord
}

func (r *record) snapshot() *AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.rec
	cp.Capabilities = append([]string(nil), r.rec.Capabilities...)
	return &cp
}

// Registry holds every known AgentRecord. Records survive heartbeat loss:
// a stale agent turns unhealthy and drops out of dispatch eligibility but
// stays queryable for diagnostics.
type Registry struct {
	staleAfter time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex // guards the maps, not record fields
	records map[string]*record
	cursors map[string]int // capability -> round-robin cursor
}

// NewRegistry creates a registry that marks agents unhealthy after
// staleAfter without a heartbeat.
func NewRegistry(staleAfter time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		staleAfter: staleAfter,
		logger:     logger,
		records:    make(map[string]*record),
		cursors:    make(map[string]int),
	}
}

// Register allocates a new AgentRecord in starting status and returns it.
func (g *Registry) Register(agentType string, capabilities []string) *AgentRecord {
	r := &record{rec: AgentRecord{
		ID:           uuid.New().String(),
		Type:         agentType,
		Capabilities: append([]string(nil), capabilities...),
		Status:       AgentStarting,
		RegisteredAt: time.Now(),
	}}
	g.mu.Lock()
	g.records[r.rec.ID] = r
	g.mu.Unlock()

	g.logger.Info("agent registered",
		zap.String("agent", r.rec.ID),
		zap.String("type", agentType),
		zap.Strings("capabilities", capabilities))
	return r.snapshot()
}

// Deregister removes the record entirely. Normal shutdown keeps the record
// in stopped status instead; this is for operator-driven removal.
func (g *Registry) Deregister(id string) {
	g.mu.Lock()
	delete(g.records, id)
	g.mu.Unlock()
}

// Get returns a copy of the record.
func (g *Registry) Get(id string) (*AgentRecord, error) {
	g.mu.RLock()
	r, ok := g.records[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	return r.snapshot(), nil
}

// List returns copies of all records ordered by registration time.
func (g *Registry) List() []*AgentRecord {
	g.mu.RLock()
	recs := make([]*record, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	g.mu.RUnlock()

	out := make([]*AgentRecord, len(recs))
	for i, r := range recs {
		out[i] = r.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// ObserveHeartbeat records a heartbeat. A heartbeat from a starting or
// unhealthy agent restores it to the reported status (ready when the agent
// reports nothing usable); stopped agents stay stopped.
func (g *Registry) ObserveHeartbeat(id string, status AgentStatus, at time.Time) {
	g.mu.RLock()
	r, ok := g.records[id]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("heartbeat from unknown agent", zap.String("agent", id))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.Status == AgentStopped {
		return
	}
	r.rec.LastHeartbeat = at
	switch status {
	case AgentReady, AgentBusy:
		if r.rec.Status != status {
			g.logger.Debug("agent status",
				zap.String("agent", id),
				zap.String("from", string(r.rec.Status)),
				zap.String("to", string(status)))
		}
		r.rec.Status = status
	default:
		if r.rec.Status == AgentStarting || r.rec.Status == AgentUnhealthy {
			r.rec.Status = AgentReady
		}
	}
}

// SetStatus force-sets a record's status, used for lifecycle events.
func (g *Registry) SetStatus(id string, status AgentStatus) {
	g.mu.RLock()
	r, ok := g.records[id]
	g.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.rec.Status = status
	r.mu.Unlock()
}

// MarkStale flips agents without a heartbeat within the stale window to
// unhealthy and returns the ids that just turned. Records are retained for
// diagnostics, never evicted here.
func (g *Registry) MarkStale(now time.Time) []string {
	g.mu.RLock()
	recs := make([]*record, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	g.mu.RUnlock()

	var turned []string
	for _, r := range recs {
		r.mu.Lock()
		eligible := r.rec.Status == AgentReady || r.rec.Status == AgentBusy
		stale := !r.rec.LastHeartbeat.IsZero() && now.Sub(r.rec.LastHeartbeat) > g.staleAfter
		if eligible && stale {
			r.rec.Status = AgentUnhealthy
			turned = append(turned, r.rec.ID)
		}
		r.mu.Unlock()
	}
	for _, id := range turned {
		g.logger.Warn("agent unhealthy, no heartbeat within window",
			zap.String("agent", id),
			zap.Duration("window", g.staleAfter))
	}
	return turned
}

// Eligible selects a ready agent holding the capability, round-robin among
// candidates for balance. The excluded id is skipped when any alternative
// exists. Returns ErrNoEligibleAgent when nothing qualifies.
func (g *Registry) Eligible(capability, exclude string) (*AgentRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var candidates []*record
	for _, r := range g.records {
		r.mu.Lock()
		ok := r.rec.Status == AgentReady && r.rec.HasCapability(capability)
		r.mu.Unlock()
		if ok {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("capability %q: %w", capability, ErrNoEligibleAgent)
	}
	// Stable order so the cursor actually rotates.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rec.ID < candidates[j].rec.ID })

	if exclude != "" && len(candidates) > 1 {
		filtered := candidates[:0]
		for _, r := range candidates {
			if r.rec.ID != exclude {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}

	i := g.cursors[capability] % len(candidates)
	g.cursors[capability] = i + 1
	return candidates[i].snapshot(), nil
}
