// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flyingrobots/jono/internal/admin"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/producer"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// topicHandle bundles the per-topic surface a request needs. One is
// built per configured topic at startup; handlers never construct a
// Producer/Inspector/Admin per request.
type topicHandle struct {
	ctx   queue.Context
	prod  *producer.Producer
	insp  *inspector.Inspector
	admin *admin.Admin
}

// Handler dispatches the admin HTTP surface across every configured
// topic.
type Handler struct {
	topics map[string]topicHandle
	log    *zap.Logger
}

// NewHandler builds a Handler bound to one queue.Context per topic.
func NewHandler(contexts map[string]queue.Context, log *zap.Logger) *Handler {
	topics := make(map[string]topicHandle, len(contexts))
	for name, qc := range contexts {
		insp := inspector.New(qc)
		topics[name] = topicHandle{
			ctx:   qc,
			prod:  producer.New(qc, log),
			insp:  insp,
			admin: admin.New(qc, insp, producer.New(qc, log)),
		}
	}
	return &Handler{topics: topics, log: log}
}

func (h *Handler) topic(w http.ResponseWriter, r *http.Request) (topicHandle, bool) {
	name := mux.Vars(r)["topic"]
	th, ok := h.topics[name]
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_TOPIC", "unknown topic: "+name)
		return topicHandle{}, false
	}
	return th, true
}

// Submit handles POST /api/v1/topics/{topic}/jobs.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}

	plan := producer.NewJobPlan(req.Payload)
	if req.Priority != 0 {
		plan = plan.WithPriority(req.Priority)
	}
	if req.MaxAttempts > 0 {
		plan = plan.WithMaxAttempts(req.MaxAttempts)
	}
	if req.RunAtMs > 0 {
		plan = plan.WithRunAt(req.RunAtMs)
	}

	id, err := th.prod.Submit(r.Context(), plan)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

// Abort handles DELETE /api/v1/topics/{topic}/jobs/{id}.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var graceMs int64
	if v := r.URL.Query().Get("grace_ms"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "grace_ms must be an integer")
			return
		}
		graceMs = n
	}
	aborted, err := th.prod.Abort(r.Context(), id, graceMs)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AbortResponse{Aborted: aborted})
}

// Status handles GET /api/v1/topics/{topic}/jobs/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	status, err := th.insp.Status(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ID: id, Status: string(status)})
}

// Stats handles GET /api/v1/topics/{topic}/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	stats, err := th.admin.Stats(r.Context())
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Topic:     stats.Topic,
		Postponed: stats.Postponed,
		Queued:    stats.Queued,
		Running:   stats.Running,
		Aborted:   stats.Aborted,
		Completed: stats.Completed,
		Failed:    stats.Failed,
	})
}

// Peek handles GET /api/v1/topics/{topic}/peek/{status}.
func (h *Handler) Peek(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	status := queue.Status(mux.Vars(r)["status"])
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status: "+string(status))
		return
	}
	n := int64(10)
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "count must be an integer")
			return
		}
		n = parsed
	}
	ids, err := th.admin.Peek(r.Context(), status, n)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PeekResponse{Topic: th.ctx.Topic, Status: string(status), IDs: ids})
}

// requireConfirm mirrors the teacher's --yes guard on destructive admin
// commands for the HTTP surface: a purge only runs when the caller adds
// ?confirm=yes, otherwise it 400s without touching any state.
func requireConfirm(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("confirm") != "yes" {
		writeError(w, http.StatusBadRequest, "CONFIRM_REQUIRED", "destructive purge requires ?confirm=yes")
		return false
	}
	return true
}

// PurgeState handles DELETE /api/v1/topics/{topic}/state/{status}.
func (h *Handler) PurgeState(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	if !requireConfirm(w, r) {
		return
	}
	status := queue.Status(mux.Vars(r)["status"])
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status: "+string(status))
		return
	}
	n, err := th.admin.PurgeState(r.Context(), status)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Topic: th.ctx.Topic, Removed: n})
}

// PurgeAll handles DELETE /api/v1/topics/{topic}/state.
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	th, ok := h.topic(w, r)
	if !ok {
		return
	}
	if !requireConfirm(w, r) {
		return
	}
	n, err := th.admin.PurgeAll(r.Context())
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Topic: th.ctx.Topic, Removed: n})
}

// writeJobError maps a jonoerr kind to the matching HTTP status.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jonoerr.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, jonoerr.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, "INVALID_JOB", err.Error())
	case errors.Is(err, jonoerr.ErrSerialization):
		writeError(w, http.StatusInternalServerError, "SERIALIZATION", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "BACKEND", err.Error())
	}
}
