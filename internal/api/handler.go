package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/DanielRibauFotografia/jarvis/internal/memory"
	"github.com/DanielRibauFotografia/jarvis/internal/orchestrator"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch   *orchestrator.Orchestrator
	mem    *memory.Manager
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, mem *memory.Manager, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, mem: mem, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)

		r.Get("/memory/stats", h.memoryStats)
		r.Post("/memory/{type}", h.storeMemory)
		r.Get("/memory/{type}", h.listMemory)
		r.Get("/memory/{type}/{key}", h.getMemory)
		r.Delete("/memory/{type}/{key}", h.deleteMemory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

type submitTaskRequest struct {
	Description json.RawMessage `json:"description"`
	Capability  string          `json:"capability"`
	// Wait blocks the request until the task settles or the timeout hits.
	Wait        bool   `json:"wait"`
	WaitTimeout string `json:"wait_timeout,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Capability == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "capability is required"})
		return
	}

	id, err := h.orch.Submit(req.Description, req.Capability)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
		return
	}

	waitCtx := r.Context()
	if req.WaitTimeout != "" {
		d, err := time.ParseDuration(req.WaitTimeout)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wait_timeout: " + err.Error()})
			return
		}
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, d)
		defer cancel()
	}
	task, err := h.orch.Wait(waitCtx, id)
	if err != nil {
		// The task is still running; hand back its id so the caller can poll.
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Tasks())
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.orch.Task(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Registry().List())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.orch.Registry().Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mem.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type storeMemoryRequest struct {
	Key      string            `json:"key"`
	Value    json.RawMessage   `json:"value"`
	TTL      string            `json:"ttl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	typ := memory.Type(chi.URLParam(r, "type"))
	var req storeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var opts []memory.StoreOption
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl: " + err.Error()})
			return
		}
		opts = append(opts, memory.WithTTL(d))
	}
	for k, v := range req.Metadata {
		opts = append(opts, memory.WithMetadata(k, v))
	}

	if err := h.mem.Store(r.Context(), typ, req.Key, req.Value, opts...); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"type": string(typ), "key": req.Key})
}

func (h *Handler) listMemory(w http.ResponseWriter, r *http.Request) {
	typ := memory.Type(chi.URLParam(r, "type"))
	f := memory.Filter{KeyPrefix: r.URL.Query().Get("prefix")}
	items, err := h.mem.List(r.Context(), typ, f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	typ := memory.Type(chi.URLParam(r, "type"))
	key := chi.URLParam(r, "key")
	item, err := h.mem.Retrieve(r.Context(), typ, key)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, memory.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, memory.ErrInvalidArgument):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	typ := memory.Type(chi.URLParam(r, "type"))
	key := chi.URLParam(r, "key")
	if err := h.mem.Delete(r.Context(), typ, key); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, memory.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, memory.ErrInvalidArgument):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
