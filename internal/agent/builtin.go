package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

// Builtin handlers for the photography-business agent fleet. They are thin,
// but each one reads and writes the memory categories a real agent of its
// kind would.

// PhotoHandler organizes photo batches and records each run as an episodic
// memory.
type PhotoHandler struct{}

func (h *PhotoHandler) Capabilities() []string { return []string{"photo"} }

func (h *PhotoHandler) Handle(ctx context.Context, req orchestrator.DispatchRequest, mem *memory.Manager) (json.RawMessage, error) {
	var task struct {
		Path   string `json:"path"`
		Client string `json:"client,omitempty"`
	}
	if err := json.Unmarshal(req.Description, &task); err != nil {
		return nil, fmt.Errorf("decode photo task: %w", err)
	}
	if task.Path == "" {
		return nil, fmt.Errorf("photo task requires a path")
	}

	// Reuse a stored organization recipe when one exists.
	workflow := "by-date"
	if item, err := mem.Retrieve(ctx, memory.Procedural, "photo.workflow"); err == nil {
		var w struct {
			Strategy string `json:"strategy"`
		}
		if json.Unmarshal(item.Value, &w) == nil && w.Strategy != "" {
			workflow = w.Strategy
		}
	}

	event := map[string]interface{}{
		"task_id":  req.TaskID,
		"path":     task.Path,
		"client":   task.Client,
		"workflow": workflow,
	}
	opts := []memory.StoreOption{memory.WithMetadata("capability", "photo")}
	if task.Client != "" {
		opts = append(opts, memory.WithMetadata("client", task.Client))
	}
	if err := mem.Store(ctx, memory.Episodic, "photos.organized:"+req.TaskID, event, opts...); err != nil {
		return nil, fmt.Errorf("record organization run: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"organized": true,
		"path":      task.Path,
		"workflow":  workflow,
	})
}

// CalendarHandler answers availability checks, holding tentative slots in
// working memory so a hold evaporates on its own when never confirmed.
type CalendarHandler struct {
	// HoldTTL bounds how long a tentative slot stays reserved.
	HoldTTL time.Duration
}

func (h *CalendarHandler) Capabilities() []string { return []string{"calendar"} }

func (h *CalendarHandler) Handle(ctx context.Context, req orchestrator.DispatchRequest, mem *memory.Manager) (json.RawMessage, error) {
	var task struct {
		Client string `json:"client"`
		Slot   string `json:"slot"`
	}
	if err := json.Unmarshal(req.Description, &task); err != nil {
		return nil, fmt.Errorf("decode calendar task: %w", err)
	}
	if task.Slot == "" {
		return nil, fmt.Errorf("calendar task requires a slot")
	}

	key := "calendar.hold:" + task.Slot
	if _, err := mem.Retrieve(ctx, memory.Working, key); err == nil {
		return json.Marshal(map[string]interface{}{"available": false, "slot": task.Slot})
	}

	ttl := h.HoldTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	hold := map[string]string{"client": task.Client, "task_id": req.TaskID}
	if err := mem.Store(ctx, memory.Working, key, hold, memory.WithTTL(ttl)); err != nil {
		return nil, fmt.Errorf("hold slot: %w", err)
	}

	return json.Marshal(map[string]interface{}{"available": true, "slot": task.Slot, "held_for": ttl.String()})
}

// MarketingHandler drafts copy suggestions from stored brand voice and per
// client tone, and keeps an episodic trail of completed tasks it observed.
type MarketingHandler struct {
	mem *memory.Manager
}

// NewMarketingHandler creates a marketing handler. The memory handle is kept
// so broadcast events can be recorded outside a dispatch.
func NewMarketingHandler(mem *memory.Manager) *MarketingHandler {
	return &MarketingHandler{mem: mem}
}

func (h *MarketingHandler) Capabilities() []string { return []string{"marketing"} }

func (h *MarketingHandler) Handle(ctx context.Context, req orchestrator.DispatchRequest, mem *memory.Manager) (json.RawMessage, error) {
	var task struct {
		Client string `json:"client"`
		Topic  string `json:"topic"`
	}
	if err := json.Unmarshal(req.Description, &task); err != nil {
		return nil, fmt.Errorf("decode marketing task: %w", err)
	}

	voice := "professional"
	if item, err := mem.Retrieve(ctx, memory.Semantic, "brand.voice"); err == nil {
		var v string
		if json.Unmarshal(item.Value, &v) == nil && v != "" {
			voice = v
		}
	}
	tone := "warm"
	if task.Client != "" {
		if item, err := mem.Retrieve(ctx, memory.Emotional, "client.tone:"+task.Client); err == nil {
			var t string
			if json.Unmarshal(item.Value, &t) == nil && t != "" {
				tone = t
			}
		}
	}

	suggestion := fmt.Sprintf("A %s, %s post about %s", voice, tone, task.Topic)
	if err := mem.Store(ctx, memory.Semantic, "campaign.draft:"+req.TaskID,
		map[string]string{"suggestion": suggestion, "client": task.Client}); err != nil {
		return nil, fmt.Errorf("store draft: %w", err)
	}

	return json.Marshal(map[string]string{"suggestion": suggestion, "voice": voice, "tone": tone})
}

// EventTopics subscribes the marketing handler to task completions so it can
// build campaign context from what the rest of the fleet finishes.
func (h *MarketingHandler) EventTopics() []string {
	return []string{orchestrator.TopicTaskCompleted}
}

func (h *MarketingHandler) OnEvent(ctx context.Context, topic string, payload json.RawMessage) {
	var t orchestrator.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return
	}
	_ = h.mem.Store(ctx, memory.Episodic, "observed.completed:"+t.ID, map[string]string{
		"task_id":    t.ID,
		"capability": t.RequiredCapability,
	}, memory.WithMetadata("source", "marketing"))
}
