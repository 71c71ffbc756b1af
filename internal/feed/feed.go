// Package feed holds the domain types shared by every stage of the ranker:
// posts and their eligibility, candidate tiers, impressions, engagement
// signals, and the page returned to viewers.
package feed

import (
	"strings"
	"time"
)

// Visibility of a post as set by moderation.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityShadow  Visibility = "shadow"
	VisibilityRemoved Visibility = "removed"
)

// Tier names the source a candidate came from. The string values are the
// wire values of source_tier.
type Tier string

const (
	TierFresh    Tier = "fresh"
	TierFollowed Tier = "followed"
	TierTrending Tier = "trending"
	TierRepeat   Tier = "controlled_repeat"
	TierFallback Tier = "fallback_any"
)

// PrimaryTiers are the unseen tiers, in ladder order.
var PrimaryTiers = []Tier{TierFresh, TierFollowed, TierTrending}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFresh, TierFollowed, TierTrending, TierRepeat, TierFallback:
		return true
	}
	return false
}

// Unseen reports whether items from t are guaranteed outside the viewer's
// cooldown set.
func (t Tier) Unseen() bool {
	return t == TierFresh || t == TierFollowed || t == TierTrending
}

// Post is a short video with its engagement aggregates.
type Post struct {
	ID              string     `db:"id" json:"id"`
	AuthorID        string     `db:"author_id" json:"author_id"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	MediaReady      bool       `db:"media_ready" json:"media_ready"`
	PlaybackID      string     `db:"playback_id" json:"playback_id"`
	DurationMs      int64      `db:"duration_ms" json:"duration_ms"`
	Views           int64      `db:"views" json:"views"`
	Likes           int64      `db:"likes" json:"likes"`
	Comments        int64      `db:"comments" json:"comments"`
	Shares          int64      `db:"shares" json:"shares"`
	Visibility      Visibility `db:"visibility" json:"visibility"`
	Locale          string     `db:"locale" json:"locale,omitempty"`
	LowResAvailable bool       `db:"low_res_available" json:"low_res_available"`
}

// Eligible reports whether p may be ranked: media ready, public, and within
// the upload duration cap.
func (p Post) Eligible(maxDurationMs int64) bool {
	return p.MediaReady && p.Visibility == VisibilityPublic && p.DurationMs <= maxDurationMs
}

// Key returns p's position in (created_at desc, id desc) order.
func (p Post) Key() Keyset {
	return Keyset{CreatedAt: p.CreatedAt, ID: p.ID}
}

// TrendingScore is the weighted engagement used to order the trending tier.
func (p Post) TrendingScore() float64 {
	return float64(p.Views)*0.05 + float64(p.Likes) + 2*float64(p.Comments) + 3*float64(p.Shares)
}

// InteractionRate is weighted interactions per view.
func (p Post) InteractionRate() float64 {
	views := p.Views
	if views < 1 {
		views = 1
	}
	return (float64(p.Likes) + 2*float64(p.Comments) + 3*float64(p.Shares)) / float64(views)
}

// Keyset is a (created_at, id) position for keyset pagination over the
// newest-first order. The zero value means "from the top".
type Keyset struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func (k Keyset) IsZero() bool {
	return k.CreatedAt.IsZero() && k.ID == ""
}

// Precedes reports whether k sorts strictly before o in newest-first order.
func (k Keyset) Precedes(o Keyset) bool {
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.After(o.CreatedAt)
	}
	return k.ID > o.ID
}

// Candidate is a post proposed by the selector for a page.
type Candidate struct {
	Post Post
	Tier Tier
	// Rank is the position in the tier's source order (trending offset).
	Rank int
	// LastShownAt and ScoreAtShow come from the impression log for repeat
	// and fallback candidates.
	LastShownAt time.Time
	ScoreAtShow float64
}

// Impression records that a post was shown to a viewer.
type Impression struct {
	ViewerID    string    `db:"viewer_id" json:"viewer_id"`
	PostID      string    `db:"post_id" json:"post_id"`
	ShownAt     time.Time `db:"shown_at" json:"shown_at"`
	LastShownAt time.Time `db:"last_shown_at" json:"last_shown_at"`
	SourceTier  Tier      `db:"source_tier" json:"source_tier"`
	SessionID   string    `db:"session_id" json:"session_id"`
	Score       float64   `db:"score" json:"score"`
}

// InterestSignal is a viewer's EMA-smoothed engagement profile.
type InterestSignal struct {
	ViewerID    string    `db:"viewer_id" json:"viewer_id"`
	WatchRatio  float64   `db:"watch_ratio" json:"watch_ratio"`
	LikeRate    float64   `db:"like_rate" json:"like_rate"`
	CommentRate float64   `db:"comment_rate" json:"comment_rate"`
	ShareRate   float64   `db:"share_rate" json:"share_rate"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Neutral population means used when a viewer or creator has no history.
const (
	NeutralWatchRatio  = 0.5
	NeutralLikeRate    = 0.05
	NeutralCommentRate = 0.01
	NeutralShareRate   = 0.005
	NeutralAffinity    = 0.5
)

// NeutralInterest returns the default profile for a viewer with no history.
func NeutralInterest(viewerID string) InterestSignal {
	return InterestSignal{
		ViewerID:    viewerID,
		WatchRatio:  NeutralWatchRatio,
		LikeRate:    NeutralLikeRate,
		CommentRate: NeutralCommentRate,
		ShareRate:   NeutralShareRate,
	}
}

// CreatorQuality is a creator's rolling quality aggregate.
type CreatorQuality struct {
	CreatorID  string    `db:"creator_id" json:"creator_id"`
	WatchRatio float64   `db:"watch_ratio" json:"watch_ratio"`
	LikeRate   float64   `db:"like_rate" json:"like_rate"`
	ReportRate float64   `db:"report_rate" json:"report_rate"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func NeutralQuality(creatorID string) CreatorQuality {
	return CreatorQuality{
		CreatorID:  creatorID,
		WatchRatio: NeutralWatchRatio,
		LikeRate:   NeutralLikeRate,
	}
}

// ViewObservation is one confirmed view, as fed to the signal store.
type ViewObservation struct {
	ViewerID   string
	CreatorID  string
	PlayMs     int64
	DurationMs int64
	Liked      bool
	Commented  bool
	Shared     bool
	At         time.Time
}

// WatchRatio is play time over duration, capped at 1.
func (o ViewObservation) WatchRatio() float64 {
	if o.DurationMs <= 0 {
		return 0
	}
	r := float64(o.PlayMs) / float64(o.DurationMs)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// Connection is the viewer's self-reported network class.
type Connection string

const (
	ConnectionUnknown  Connection = ""
	ConnectionWifi     Connection = "wifi"
	ConnectionCellular Connection = "cellular"
	ConnectionSlow     Connection = "slow"
)

// Constrained reports whether the connection favours low-resolution media.
func (c Connection) Constrained() bool {
	return c == ConnectionCellular || c == ConnectionSlow
}

// ParseConnection accepts the wire values case-insensitively.
func ParseConnection(s string) (Connection, bool) {
	switch c := Connection(strings.ToLower(strings.TrimSpace(s))); c {
	case ConnectionUnknown, ConnectionWifi, ConnectionCellular, ConnectionSlow:
		return c, true
	}
	return ConnectionUnknown, false
}

// RequestContext carries the optional client hints used by the context
// factor. ClientHour is -1 when unknown.
type RequestContext struct {
	Locale     string     `json:"locale,omitempty"`
	Connection Connection `json:"connection,omitempty"`
	ClientHour int        `json:"client_hour"`
}

// UnknownContext has no hints at all.
var UnknownContext = RequestContext{ClientHour: -1}

// Item is one emitted feed entry with its provenance.
type Item struct {
	PostID        string  `json:"post_id"`
	PlaybackID    string  `json:"playback_id"`
	DurationMs    int64   `json:"duration_ms"`
	AuthorID      string  `json:"author_id"`
	SourceTier    Tier    `json:"source_tier"`
	Score         float64 `json:"score"`
	OriginalScore float64 `json:"original_score"`
	Jitter        float64 `json:"jitter"`
}

// Partial reasons.
const (
	PartialDeadline  = "Deadline"
	PartialExhausted = "Exhausted"
)

// Performance describes how a page was produced.
type Performance struct {
	ElapsedMs    int64            `json:"elapsed_ms"`
	SkippedTiers []Tier           `json:"skipped_tiers,omitempty"`
	Stages       map[string]int64 `json:"stages_ms,omitempty"`
}

// Page is the response of a feed request.
type Page struct {
	Items            []Item      `json:"items"`
	NextCursor       string      `json:"next_cursor,omitempty"`
	CacheHit         bool        `json:"cache_hit"`
	UsedRefreshNonce int64       `json:"used_refresh_nonce"`
	Partial          bool        `json:"partial,omitempty"`
	PartialReason    string      `json:"partial_reason,omitempty"`
	Performance      Performance `json:"performance"`
}

// TierMix counts items per source tier.
func (p *Page) TierMix() map[Tier]int {
	mix := make(map[Tier]int, 5)
	for _, it := range p.Items {
		mix[it.SourceTier]++
	}
	return mix
}
