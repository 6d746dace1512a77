package orchestrator

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(15*time.Second, zap.NewNop())
}

func TestRegisterStartsInStarting(t *testing.T) {
	g := newTestRegistry(t)
	rec := g.Register("photo", []string{"photo"})
	if rec.ID == "" {
		t.Fatal("empty agent id")
	}
	if rec.Status != AgentStarting {
		t.Fatalf("status = %s, want %s", rec.Status, AgentStarting)
	}

	got, err := g.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "photo" || !got.HasCapability("photo") {
		t.Fatalf("record = %+v", got)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	g := newTestRegistry(t)
	if _, err := g.Get("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestHeartbeatPromotesStarting(t *testing.T) {
	g := newTestRegistry(t)
	rec := g.Register("photo", []string{"photo"})

	g.ObserveHeartbeat(rec.ID, AgentReady, time.Now())
	got, _ := g.Get(rec.ID)
	if got.Status != AgentReady {
		t.Fatalf("status = %s, want %s", got.Status, AgentReady)
	}
	if got.LastHeartbeat.IsZero() {
		t.Fatal("heartbeat timestamp not recorded")
	}
}

func TestHeartbeatRestoresUnhealthy(t *testing.T) {
	g := newTestRegistry(t)
	rec := g.Register("photo", []string{"photo"})
	g.SetStatus(rec.ID, AgentUnhealthy)

	g.ObserveHeartbeat(rec.ID, AgentBusy, time.Now())
	got, _ := g.Get(rec.ID)
	if got.Status != AgentBusy {
		t.Fatalf("status = %s, want %s", got.Status, AgentBusy)
	}
}

func TestHeartbeatNeverResurrectsStopped(t *testing.T) {
	g := newTestRegistry(t)
	rec := g.Register("photo", []string{"photo"})
	g.SetStatus(rec.ID, AgentStopped)

	g.ObserveHeartbeat(rec.ID, AgentReady, time.Now())
	got, _ := g.Get(rec.ID)
	if got.Status != AgentStopped {
		t.Fatalf("status = %s, want %s", got.Status, AgentStopped)
	}
}

func TestMarkStaleFlipsQuietAgents(t *testing.T) {
	g := NewRegistry(100*time.Millisecond, zap.NewNop())

	quiet := g.Register("photo", []string{"photo"})
	fresh := g.Register("photo", []string{"photo"})

	old := time.Now().Add(-time.Second)
	g.ObserveHeartbeat(quiet.ID, AgentReady, old)
	g.ObserveHeartbeat(fresh.ID, AgentReady, time.Now())

	turned := g.MarkStale(time.Now())
	if len(turned) != 1 || turned[0] != quiet.ID {
		t.Fatalf("turned = %v, want only %s", turned, quiet.ID)
	}

	gotQuiet, _ := g.Get(quiet.ID)
	if gotQuiet.Status != AgentUnhealthy {
		t.Fatalf("quiet agent status = %s, want %s", gotQuiet.Status, AgentUnhealthy)
	}
	gotFresh, _ := g.Get(fresh.ID)
	if gotFresh.Status != AgentReady {
		t.Fatalf("fresh agent status = %s, want %s", gotFresh.Status, AgentReady)
	}

	// Repeated passes do not re-report an already unhealthy agent.
	if turned := g.MarkStale(time.Now()); len(turned) != 0 {
		t.Fatalf("second pass turned %v", turned)
	}
}

func TestMarkStaleIgnoresAgentsThatNeverBeat(t *testing.T) {
	g := NewRegistry(100*time.Millisecond, zap.NewNop())
	rec := g.Register("photo", []string{"photo"})
	// Still starting, no heartbeat yet: staleness does not apply.
	if turned := g.MarkStale(time.Now().Add(time.Hour)); len(turned) != 0 {
		t.Fatalf("turned = %v, want none", turned)
	}
	got, _ := g.Get(rec.ID)
	if got.Status != AgentStarting {
		t.Fatalf("status = %s, want %s", got.Status, AgentStarting)
	}
}

func TestEligibleRequiresReadyAndCapability(t *testing.T) {
	g := newTestRegistry(t)

	starting := g.Register("photo", []string{"photo"})
	busy := g.Register("photo", []string{"photo"})
	g.ObserveHeartbeat(busy.ID, AgentBusy, time.Now())
	wrongCap := g.Register("calendar", []string{"calendar"})
	g.ObserveHeartbeat(wrongCap.ID, AgentReady, time.Now())

	if _, err := g.Eligible("photo", ""); !errors.Is(err, ErrNoEligibleAgent) {
		t.Fatalf("err = %v, want ErrNoEligibleAgent", err)
	}

	g.ObserveHeartbeat(starting.ID, AgentReady, time.Now())
	got, err := g.Eligible("photo", "")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if got.ID != starting.ID {
		t.Fatalf("picked %s, want %s", got.ID, starting.ID)
	}
}

func TestEligibleRoundRobins(t *testing.T) {
	g := newTestRegistry(t)

	a := g.Register("photo", []string{"photo"})
	b := g.Register("photo", []string{"photo"})
	g.ObserveHeartbeat(a.ID, AgentReady, time.Now())
	g.ObserveHeartbeat(b.ID, AgentReady, time.Now())

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		rec, err := g.Eligible("photo", "")
		if err != nil {
			t.Fatalf("eligible: %v", err)
		}
		seen[rec.ID]++
	}
	if seen[a.ID] != 2 || seen[b.ID] != 2 {
		t.Fatalf("rotation uneven: %v", seen)
	}
}

func TestEligibleExcludesFailedAgentWhenAlternativeExists(t *testing.T) {
	g := newTestRegistry(t)

	a := g.Register("photo", []string{"photo"})
	b := g.Register("photo", []string{"photo"})
	g.ObserveHeartbeat(a.ID, AgentReady, time.Now())
	g.ObserveHeartbeat(b.ID, AgentReady, time.Now())

	for i := 0; i < 4; i++ {
		rec, err := g.Eligible("photo", a.ID)
		if err != nil {
			t.Fatalf("eligible: %v", err)
		}
		if rec.ID == a.ID {
			t.Fatal("excluded agent was selected despite an alternative")
		}
	}
}

func TestEligibleUsesExcludedAgentWhenAlone(t *testing.T) {
	g := newTestRegistry(t)
	only := g.Register("photo", []string{"photo"})
	g.ObserveHeartbeat(only.ID, AgentReady, time.Now())

	rec, err := g.Eligible("photo", only.ID)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if rec.ID != only.ID {
		t.Fatalf("picked %s, want the only candidate %s", rec.ID, only.ID)
	}
}

func TestDeregisterRemovesRecord(t *testing.T) {
	g := newTestRegistry(t)
	rec := g.Register("photo", []string{"photo"})
	g.Deregister(rec.ID)
	if _, err := g.Get(rec.ID); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if got := g.List(); len(got) != 0 {
		t.Fatalf("list = %d records, want 0", len(got))
	}
}
