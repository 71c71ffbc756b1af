package recorder

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

// Event is one client viewability report.
type Event struct {
	ViewerID        string    `json:"viewer_id"`
	PostID          string    `json:"post_id"`
	SessionID       string    `json:"session_id"`
	BecameVisibleAt time.Time `json:"became_visible_at"`
	VisibleFraction float64   `json:"visible_fraction"`
	DwellMs         int64     `json:"dwell_ms"`
	PlayMs          int64     `json:"play_ms"`
	DurationMs      int64     `json:"duration_ms"`
	Liked           bool      `json:"liked,omitempty"`
	Commented       bool      `json:"commented,omitempty"`
	Shared          bool      `json:"shared,omitempty"`
	SourceTier      feed.Tier `json:"source_tier,omitempty"`
	Score           float64   `json:"score,omitempty"`
}

// Validate reports the first structural problem with e.
func (e Event) Validate() error {
	switch {
	case e.ViewerID == "":
		return fmt.Errorf("viewer_id is required")
	case e.PostID == "":
		return fmt.Errorf("post_id is required")
	case e.VisibleFraction < 0 || e.VisibleFraction > 1:
		return fmt.Errorf("visible_fraction must be within [0,1]")
	case e.DwellMs < 0 || e.PlayMs < 0 || e.DurationMs < 0:
		return fmt.Errorf("dwell_ms, play_ms and duration_ms must not be negative")
	case e.SourceTier != "" && !e.SourceTier.Valid():
		return fmt.Errorf("unknown source_tier %q", e.SourceTier)
	}
	return nil
}

// Gate decides whether an event counts as a viewable impression.
type Gate struct {
	Threshold float64
	Dwell     time.Duration
}

func (g Gate) Confirmed(e Event) bool {
	return e.VisibleFraction >= g.Threshold && e.DwellMs >= g.Dwell.Milliseconds()
}

type viewKey struct {
	viewer string
	post   string
}

func (e Event) key() viewKey {
	return viewKey{viewer: e.ViewerID, post: e.PostID}
}

// coalesce folds in into e: longest play, any engagement, earliest
// visibility.
func (e *Event) coalesce(in Event) {
	e.PlayMs = max(e.PlayMs, in.PlayMs)
	e.DwellMs = max(e.DwellMs, in.DwellMs)
	e.DurationMs = max(e.DurationMs, in.DurationMs)
	e.VisibleFraction = max(e.VisibleFraction, in.VisibleFraction)
	e.Liked = e.Liked || in.Liked
	e.Commented = e.Commented || in.Commented
	e.Shared = e.Shared || in.Shared
	if !in.BecameVisibleAt.IsZero() && (e.BecameVisibleAt.IsZero() || in.BecameVisibleAt.Before(e.BecameVisibleAt)) {
		e.BecameVisibleAt = in.BecameVisibleAt
	}
	if e.SessionID == "" {
		e.SessionID = in.SessionID
	}
	if e.SourceTier == "" {
		e.SourceTier = in.SourceTier
		e.Score = in.Score
	}
}
