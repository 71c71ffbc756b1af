package api

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/assembler"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/recorder"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
)

const (
	maxCursorLength = 4096
	maxLocaleLength = 35
	maxEventBatch   = 500
)

var viewerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return strings.Join(parts, "; ")
}

// Unwrap classifies every validation failure as InvalidInput.
func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// FeedRequest is the wire form of get_feed, shared by the GET query string
// and the POST body.
type FeedRequest struct {
	ViewerID        string    `json:"viewer_id"`
	PageSize        int       `json:"page_size,omitempty"`
	Cursor          string    `json:"cursor,omitempty"`
	SessionID       string    `json:"session_id"`
	SessionOpenedAt time.Time `json:"session_opened_at,omitzero"`
	RefreshNonce    int64     `json:"refresh_nonce,omitempty"`
	ForceRefresh    bool      `json:"force_refresh,omitempty"`
	Locale          string    `json:"locale,omitempty"`
	Connection      string    `json:"connection,omitempty"`
	ClientHour      *int      `json:"client_hour,omitempty"`
}

// ParseFeedQuery reads a FeedRequest from query parameters. Malformed
// numbers and times are reported per field.
func ParseFeedQuery(q url.Values) (FeedRequest, error) {
	errs := make(map[string]string)
	req := FeedRequest{
		ViewerID:   q.Get("viewer_id"),
		Cursor:     q.Get("cursor"),
		SessionID:  q.Get("session_id"),
		Locale:     q.Get("locale"),
		Connection: q.Get("connection"),
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs["page_size"] = "page_size must be an integer"
		}
		req.PageSize = n
	}
	if v := q.Get("refresh_nonce"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs["refresh_nonce"] = "refresh_nonce must be an integer"
		}
		req.RefreshNonce = n
	}
	if v := q.Get("force_refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs["force_refresh"] = "force_refresh must be a boolean"
		}
		req.ForceRefresh = b
	}
	if v := q.Get("session_opened_at"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			errs["session_opened_at"] = "session_opened_at must be RFC 3339 or unix milliseconds"
		}
		req.SessionOpenedAt = t
	}
	if v := q.Get("client_hour"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs["client_hour"] = "client_hour must be an integer"
		}
		req.ClientHour = &n
	}
	if len(errs) > 0 {
		return req, &ValidationError{Fields: errs}
	}
	return req, nil
}

func parseInstant(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// ValidateFeedRequest checks field shapes and converts the request for the
// assembler. Page size bounds are enforced by the assembler itself.
func ValidateFeedRequest(req FeedRequest) (assembler.Request, error) {
	errs := make(map[string]string)
	if !viewerIDPattern.MatchString(req.ViewerID) {
		errs["viewer_id"] = "viewer_id must be 1-128 characters of [A-Za-z0-9_.-]"
	}
	if s := strings.TrimSpace(req.SessionID); s == "" {
		errs["session_id"] = "session_id is required"
	} else if len(s) > 128 {
		errs["session_id"] = "session_id must be at most 128 characters"
	}
	if req.PageSize < 0 {
		errs["page_size"] = "page_size must not be negative"
	}
	if len(req.Cursor) > maxCursorLength {
		errs["cursor"] = fmt.Sprintf("cursor must be at most %d characters", maxCursorLength)
	}
	if req.RefreshNonce < 0 {
		errs["refresh_nonce"] = "refresh_nonce must not be negative"
	}
	if len(req.Locale) > maxLocaleLength {
		errs["locale"] = fmt.Sprintf("locale must be at most %d characters", maxLocaleLength)
	}
	conn, ok := feed.ParseConnection(req.Connection)
	if !ok {
		errs["connection"] = "connection must be one of wifi, cellular, slow"
	}
	rc := feed.UnknownContext
	rc.Locale = req.Locale
	rc.Connection = conn
	if req.ClientHour != nil {
		if *req.ClientHour < 0 || *req.ClientHour > 23 {
			errs["client_hour"] = "client_hour must be within 0..23"
		}
		rc.ClientHour = *req.ClientHour
	}
	if len(errs) > 0 {
		return assembler.Request{}, &ValidationError{Fields: errs}
	}
	return assembler.Request{
		ViewerID:        req.ViewerID,
		PageSize:        req.PageSize,
		Cursor:          req.Cursor,
		SessionID:       strings.TrimSpace(req.SessionID),
		SessionOpenedAt: req.SessionOpenedAt,
		RefreshNonce:    req.RefreshNonce,
		ForceRefresh:    req.ForceRefresh,
		Context:         rc,
	}, nil
}

// EventBatch is the body of POST /api/v1/feed/events.
type EventBatch struct {
	ViewerID string           `json:"viewer_id"`
	Events   []recorder.Event `json:"events"`
}

// ValidateEventBatch stamps the batch viewer onto each event and rejects
// batches that are empty, oversized, or mix viewers. Per-event problems are
// left to the recorder, which counts them as rejected.
func ValidateEventBatch(b *EventBatch) error {
	errs := make(map[string]string)
	if !viewerIDPattern.MatchString(b.ViewerID) {
		errs["viewer_id"] = "viewer_id must be 1-128 characters of [A-Za-z0-9_.-]"
	}
	switch {
	case len(b.Events) == 0:
		errs["events"] = "at least one event is required"
	case len(b.Events) > maxEventBatch:
		errs["events"] = fmt.Sprintf("at most %d events per batch", maxEventBatch)
	}
	for i := range b.Events {
		e := &b.Events[i]
		if e.ViewerID == "" {
			e.ViewerID = b.ViewerID
		} else if e.ViewerID != b.ViewerID {
			errs[fmt.Sprintf("events[%d].viewer_id", i)] = "must match the batch viewer_id"
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
