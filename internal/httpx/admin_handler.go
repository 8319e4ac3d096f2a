package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
	"github.com/ariefcatur/go-order-fulfillment/internal/workflow"
	"github.com/go-chi/chi/v5"
)

type QueueInspector interface {
	Name() string
	Stats(ctx context.Context) (queue.Stats, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	Recent(ctx context.Context, state queue.State, limit int64) ([]string, error)
}

type Trigger interface {
	TriggerWorkflow(ctx context.Context, orderID int64) (string, error)
}

// AdminHandler exposes queue inspection and manual workflow triggers.
type AdminHandler struct {
	Queue   QueueInspector
	Trigger Trigger
}

type QueueResp struct {
	Name   string       `json:"name"`
	Counts queue.Stats  `json:"counts"`
	Recent RecentJobIDs `json:"recent"`
}

type RecentJobIDs struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

type TriggerResp struct {
	OrderID int64  `json:"order_id"`
	JobID   string `json:"job_id"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/queues", h.queueStats)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/workflows/{orderId}", h.triggerWorkflow)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *AdminHandler) queueStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	stats, err := h.Queue.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	limit := int64(10)
	if v, err := strconv.ParseInt(r.URL.Query().Get("recent"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	resp := QueueResp{Name: h.Queue.Name(), Counts: stats}
	if resp.Recent.Completed, err = h.Queue.Recent(ctx, queue.StateCompleted, limit); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if resp.Recent.Failed, err = h.Queue.Recent(ctx, queue.StateFailed, limit); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	job, err := h.Queue.Get(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *AdminHandler) triggerWorkflow(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	jobID, err := h.Trigger.TriggerWorkflow(ctx, orderID)
	switch {
	case errors.Is(err, workflow.ErrInvalidOrderID):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, TriggerResp{OrderID: orderID, JobID: jobID})
	}
}
