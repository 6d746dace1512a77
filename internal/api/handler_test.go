package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DanielRibauFotografia/jarvis/internal/bus"
	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

// newTestServer wires a Handler with an in-process bus and in-memory stores.
func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator, *bus.InProcBus) {
	t.Helper()
	logger := zap.NewNop()

	b := bus.NewInProcBus("api-test", logger)
	mem := memory.NewManager(memory.NewMemStore(), memory.NewMemStore(), time.Minute, logger)
	orch := orchestrator.New(b, orchestrator.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		StaleMultiplier:   200,
		PollInterval:      10 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		SubmitDeadline:    5 * time.Second,
	}, logger)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}

	h := NewHandler(orch, mem, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		orch.Stop()
		b.Close()
		mem.Close()
	})
	return ts, orch, b
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestSubmitTaskAccepted(t *testing.T) {
	ts, orch, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"description": map[string]string{"path": "/x"},
		"capability":  "photo",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["task_id"] == "" {
		t.Fatal("no task_id in response")
	}

	task, err := orch.Task(body["task_id"])
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if task.RequiredCapability != "photo" {
		t.Fatalf("task = %+v", task)
	}
}

func TestSubmitTaskRequiresCapability(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts, "/api/tasks", map[string]string{"capability": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitTaskWaits(t *testing.T) {
	ts, orch, b := newTestServer(t)

	// A ready agent answers the dispatch topic.
	rec := orch.Registry().Register("test", []string{"photo"})
	if _, err := b.Subscribe(context.Background(), orchestrator.DispatchTopic(rec.ID),
		bus.SubscribeOptions{Mode: bus.Group, Group: "agent-" + rec.ID},
		func(ctx context.Context, msg *bus.Message) {
			var req orchestrator.DispatchRequest
			if err := msg.Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			_ = b.Respond(ctx, msg, orchestrator.DispatchResult{
				TaskID: req.TaskID,
				Result: json.RawMessage(`{"done":true}`),
			})
		}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	orch.Registry().ObserveHeartbeat(rec.ID, orchestrator.AgentReady, time.Now())

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"description": map[string]string{"path": "/x"},
		"capability":  "photo",
		"wait":        true,
		"wait_timeout": "10s",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var task orchestrator.Task
	decodeJSON(t, resp, &task)
	if task.Status != orchestrator.TaskCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := getJSON(t, ts, "/api/tasks/ghost")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListAgents(t *testing.T) {
	ts, orch, _ := newTestServer(t)
	rec := orch.Registry().Register("photo", []string{"photo"})

	resp := getJSON(t, ts, "/api/agents")
	var agents []orchestrator.AgentRecord
	decodeJSON(t, resp, &agents)
	if len(agents) != 1 || agents[0].ID != rec.ID {
		t.Fatalf("agents = %+v", agents)
	}

	resp = getJSON(t, ts, "/api/agents/"+rec.ID)
	var got orchestrator.AgentRecord
	decodeJSON(t, resp, &got)
	if got.ID != rec.ID || got.Type != "photo" {
		t.Fatalf("agent = %+v", got)
	}

	resp = getJSON(t, ts, "/api/agents/ghost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusSnapshot(t *testing.T) {
	ts, orch, _ := newTestServer(t)
	orch.Registry().Register("photo", []string{"photo"})

	resp := getJSON(t, ts, "/api/status")
	var status orchestrator.Status
	decodeJSON(t, resp, &status)
	if len(status.Agents) != 1 {
		t.Fatalf("status = %+v", status)
	}
	if status.AgentCounts[orchestrator.AgentStarting] != 1 {
		t.Fatalf("agent counts = %v", status.AgentCounts)
	}
}

func TestMemoryRoundtripOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/memory/semantic", map[string]interface{}{
		"key":      "brand.voice",
		"value":    "playful",
		"metadata": map[string]string{"source": "api"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("store status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/memory/semantic/brand.voice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var item memory.Item
	decodeJSON(t, resp, &item)
	if string(item.Value) != `"playful"` {
		t.Fatalf("value = %s", item.Value)
	}
	if item.Metadata["source"] != "api" {
		t.Fatalf("metadata = %v", item.Metadata)
	}

	resp = getJSON(t, ts, "/api/memory/semantic?prefix=brand.")
	var items []memory.Item
	decodeJSON(t, resp, &items)
	if len(items) != 1 {
		t.Fatalf("list = %+v", items)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/memory/semantic/brand.voice", nil)
	if err != nil {
		t.Fatalf("build delete: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	resp = getJSON(t, ts, "/api/memory/semantic/brand.voice")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestMemoryValidationOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// Working memory without a TTL is a client error.
	resp := postJSON(t, ts, "/api/memory/working", map[string]interface{}{
		"key":   "hold",
		"value": "x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// Unknown type is a client error too.
	resp = getJSON(t, ts, "/api/memory/psychic/key")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// Working memory with a TTL goes through.
	resp = postJSON(t, ts, "/api/memory/working", map[string]interface{}{
		"key":   "hold",
		"value": "x",
		"ttl":   "5m",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
}

func TestMemoryStats(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts, "/api/memory/episodic", map[string]interface{}{
		"key":   "e1",
		"value": 1,
	})
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/memory/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats map[memory.Type]memory.TypeStats
	decodeJSON(t, resp, &stats)
	if stats[memory.Episodic].Count != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
