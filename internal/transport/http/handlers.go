package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/snehjoshi/deferq/internal/consumer"
	"github.com/snehjoshi/deferq/internal/dlq"
	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

var startTime = time.Now()

// Handler groups all HTTP request handlers around a Driver.
type Handler struct {
	driver   *driver.Driver
	dlq      *dlq.Ledger       // may be nil
	webhooks *consumer.Manager // may be nil
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	Driver   string `json:"driver"`
	RunID    string `json:"run_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

type pendingResp struct {
	Pending []scheduler.ID `json:"pending"`
	Count   int            `json:"count"`
}

type cancelResp struct {
	ID        scheduler.ID `json:"id"`
	Cancelled bool         `json:"cancelled"`
}

type failedResp struct {
	Failed  []driver.Event `json:"failed"`
	Count   int            `json:"count"`
	Evicted int64          `json:"evicted"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type subscriptionInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type subscriptionListResp struct {
	Subscriptions []subscriptionInfo `json:"subscriptions"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Driver:   h.driver.Name(),
		RunID:    h.driver.RunID(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	ids := h.driver.Pending()
	if ids == nil {
		ids = []scheduler.ID{}
	}
	writeJSON(w, http.StatusOK, pendingResp{Pending: ids, Count: len(ids)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.driver.Stats())
}

// cancelTask tombstones a pending task. Cancelling an unknown or already
// dispatched id is not an error; the response reports whether anything changed.
func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := scheduler.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{ID: id, Cancelled: h.driver.Cancel(id)})
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// peekFailed and drainFailed take an optional ?limit=n. A missing, zero,
// negative or malformed limit means every recorded event.
func (h *Handler) peekFailed(w http.ResponseWriter, r *http.Request) {
	evs := h.dlq.Peek(parseIntParam(r, "limit", 0))
	writeJSON(w, http.StatusOK, failedResp{Failed: evs, Count: len(evs), Evicted: h.dlq.Evicted()})
}

func (h *Handler) drainFailed(w http.ResponseWriter, r *http.Request) {
	evs := h.dlq.Drain(parseIntParam(r, "limit", 0))
	writeJSON(w, http.StatusOK, failedResp{Failed: evs, Count: len(evs), Evicted: h.dlq.Evicted()})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	id, err := h.webhooks.Register(req.URL, req.Secret)
	switch {
	case errors.Is(err, consumer.ErrInvalidURL):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url must be an http or https URL"})
		return
	case errors.Is(err, consumer.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: id})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.webhooks.Subscriptions()
	out := make([]subscriptionInfo, len(subs))
	for i, s := range subs {
		out[i] = subscriptionInfo{ID: s.ID, URL: s.URL}
	}
	writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: out})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Deregister(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		slog.Error("http: encode response", "err", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(r.Body)
	if err == nil {
		err = sonic.Unmarshal(data, v)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}
