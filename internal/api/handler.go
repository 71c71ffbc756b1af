// Package api exposes the ranker over HTTP: feed pages, viewability event
// intake and session-cache administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/assembler"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/recorder"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/session"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/logger"
)

const maxBodyBytes = 1 << 20

// PageService is satisfied by *assembler.Assembler.
type PageService interface {
	GetPage(ctx context.Context, req assembler.Request) (*feed.Page, error)
}

// EventSink accepts viewability events; *recorder.Recorder and
// *recorder.KafkaSink satisfy it.
type EventSink interface {
	Submit(events []recorder.Event) recorder.Result
}

// CacheAdmin is satisfied by *session.Cache.
type CacheAdmin interface {
	Stats() session.Stats
	Invalidate(ctx context.Context, viewerID string) (int64, error)
}

type Handler struct {
	pages  PageService
	events EventSink
	cache  CacheAdmin
	logger *slog.Logger
}

func NewHandler(pages PageService, events EventSink, cache CacheAdmin) *Handler {
	return &Handler{
		pages:  pages,
		events: events,
		cache:  cache,
		logger: slog.Default().With("component", "feed-handler"),
	}
}

// GetFeed serves GET /api/v1/feed.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	req, err := ParseFeedQuery(r.URL.Query())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.serveFeed(w, r, req)
}

// PostFeed serves POST /api/v1/feed.
func (h *Handler) PostFeed(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.serveFeed(w, r, req)
}

func (h *Handler) serveFeed(w http.ResponseWriter, r *http.Request, wire FeedRequest) {
	req, err := ValidateFeedRequest(wire)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	page, err := h.pages.GetPage(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []feed.Item{}
	}
	h.writeJSON(w, http.StatusOK, page)
}

// PostEvents serves POST /api/v1/feed/events. The response reports how many
// events were accepted; acceptance does not mean they are persisted yet.
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	var batch EventBatch
	if err := decodeBody(r, &batch); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if err := ValidateEventBatch(&batch); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	res := h.events.Submit(batch.Events)
	logger.FromContext(r.Context()).Debug("view events received",
		"viewer_id", batch.ViewerID,
		"accepted", res.Accepted,
		"unconfirmed", res.Unconfirmed,
		"rejected", res.Rejected,
	)
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	var hitRate float64
	if total := stats.Hits + stats.Misses; total > 0 {
		hitRate = float64(stats.Hits) / float64(total)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"errors":   stats.Errors,
		"writes":   stats.Writes,
		"hit_rate": hitRate,
	})
}

// CacheInvalidate drops every memo and session state of one viewer.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer_id")
	if !viewerIDPattern.MatchString(viewer) {
		h.writeAppError(w, r, &ValidationError{Fields: map[string]string{
			"viewer_id": "viewer_id must be 1-128 characters of [A-Za-z0-9_.-]",
		}})
		return
	}
	n, err := h.cache.Invalidate(r.Context(), viewer)
	if err != nil {
		logger.FromContext(r.Context()).Error("cache invalidation failed", "viewer_id", viewer, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, apperrors.KindInternal, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys": n})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "malformed JSON body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

// writeAppError maps err onto the wire error shape. Validation failures
// carry their per-field messages.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	kind := apperrors.Kind(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "kind", kind, "error", err)
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		h.writeJSON(w, status, map[string]any{
			"error":  "invalid request",
			"kind":   kind,
			"fields": verr.Fields,
		})
		return
	}
	h.writeError(w, status, kind, apperrors.PublicMessage(err))
}
