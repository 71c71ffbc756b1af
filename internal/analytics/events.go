package analytics

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
)

type EventType string

const EventPageServed EventType = "page_served"

// PageServed describes one get_feed response, successful or not.
type PageServed struct {
	Type          EventType         `json:"type"`
	ViewerID      string            `json:"viewer_id"`
	SessionID     string            `json:"session_id"`
	RefreshNonce  int64             `json:"refresh_nonce"`
	PageIndex     int               `json:"page_index"`
	Items         int               `json:"items"`
	TierMix       map[feed.Tier]int `json:"tier_mix,omitempty"`
	SkippedTiers  []feed.Tier       `json:"skipped_tiers,omitempty"`
	CacheHit      bool              `json:"cache_hit"`
	Partial       bool              `json:"partial,omitempty"`
	PartialReason string            `json:"partial_reason,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
	Timestamp     time.Time         `json:"timestamp"`
	RequestID     string            `json:"request_id,omitempty"`
}
