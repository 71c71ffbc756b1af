// Package scorer turns candidates into scalar scores. The four factors
// (engagement, freshness, context, diversity) are each in [0,1] and blended
// linearly; a deterministic per-request jitter and exploration draw are
// derived from a hash of the viewer, session, and refresh nonce.
package scorer

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/cespare/xxhash/v2"
)

// Seed identifies the request stream whose randomness must be reproducible.
type Seed struct {
	ViewerID  string
	SessionID string
	Nonce     int64
}

func (s Seed) digest() *xxhash.Digest {
	d := xxhash.New()
	d.WriteString(s.ViewerID)
	d.Write([]byte{0})
	d.WriteString(s.SessionID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s.Nonce))
	d.Write(buf[:])
	return d
}

// unit maps a 64-bit hash to [0,1).
func unit(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

// Signals are the advisory inputs for one viewer.
type Signals struct {
	Interest feed.InterestSignal
	Affinity map[string]float64
	Quality  map[string]feed.CreatorQuality
}

// NeutralSignals is used when the signal store is unavailable.
func NeutralSignals(viewerID string) Signals {
	return Signals{Interest: feed.NeutralInterest(viewerID)}
}

// Scored is a candidate with its position-independent factors.
type Scored struct {
	Candidate  feed.Candidate
	Engagement float64
	Freshness  float64
	Context    float64
	Jitter     float64
}

// Scorer computes scores from the configured weights and shapes.
type Scorer struct {
	cfg config.FeedConfig
}

func New(cfg config.FeedConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score evaluates the factors that do not depend on page position. ref is
// the instant ages are measured from.
func (s *Scorer) Score(c feed.Candidate, sig Signals, rc feed.RequestContext, ref time.Time, seed Seed) Scored {
	return Scored{
		Candidate:  c,
		Engagement: Engagement(c.Post, sig),
		Freshness:  Freshness(ref.Sub(c.Post.CreatedAt), s.cfg.FreshnessTau, s.cfg.FreshnessCliff, s.cfg.FreshnessFloor),
		Context:    Context(c.Post, rc),
		Jitter:     Jitter(seed, c.Post.ID, s.cfg.JitterEpsilon),
	}
}

// Base is the weighted sum of the position-independent factors.
func (s *Scorer) Base(sc Scored) float64 {
	w := s.cfg.Weights
	return w.Engagement*sc.Engagement + w.Freshness*sc.Freshness + w.Context*sc.Context
}

// Unjittered is the full weighted score at a given diversity value.
func (s *Scorer) Unjittered(sc Scored, diversity float64) float64 {
	return s.Base(sc) + s.cfg.Weights.Diversity*diversity
}

// Total is Unjittered plus jitter; emission ranks by it.
func (s *Scorer) Total(sc Scored, diversity float64) float64 {
	return s.Unjittered(sc, diversity) + sc.Jitter
}

// Diversity is 1 minus the share of the last DiversityWindow emitted items
// that came from authorID. emittedAuthors is in slot order.
func (s *Scorer) Diversity(authorID string, emittedAuthors []string) float64 {
	k := s.cfg.DiversityWindow
	if k <= 0 {
		return 1
	}
	start := len(emittedAuthors) - k
	if start < 0 {
		start = 0
	}
	same := 0
	for _, a := range emittedAuthors[start:] {
		if a == authorID {
			same++
		}
	}
	return 1 - float64(same)/float64(k)
}

// Explore decides whether slot is an exploration slot and, if so, returns a
// draw in [0,1) used to pick uniformly among that slot's options.
func (s *Scorer) Explore(seed Seed, slot int) (bool, float64) {
	if s.cfg.ExploreEpsilon <= 0 {
		return false, 0
	}
	d := seed.digest()
	d.WriteString("explore")
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(slot))
	d.Write(buf[:])
	gate := d.Sum64()
	if unit(gate) >= s.cfg.ExploreEpsilon {
		return false, 0
	}
	d.WriteString("pick")
	return true, unit(d.Sum64())
}

// Jitter is uniform in [-eps, eps] and a pure function of seed and post.
func Jitter(seed Seed, postID string, eps float64) float64 {
	if eps <= 0 {
		return 0
	}
	d := seed.digest()
	d.WriteString(postID)
	return eps * (2*unit(d.Sum64()) - 1)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// Engagement blends creator quality, the post's interaction rate, and the
// viewer's alignment with the creator.
func Engagement(p feed.Post, sig Signals) float64 {
	q, ok := sig.Quality[p.AuthorID]
	if !ok {
		q = feed.NeutralQuality(p.AuthorID)
	}
	quality := clamp01(0.6*q.WatchRatio + 0.4*math.Min(1, q.LikeRate*10) - 5*q.ReportRate)

	x := p.InteractionRate()
	rate := x / (x + 0.1)

	align, ok := sig.Affinity[p.AuthorID]
	if !ok {
		align = sig.Interest.WatchRatio
	}
	return clamp01(0.4*quality + 0.35*rate + 0.25*clamp01(align))
}

// Freshness decays exponentially with age, dropping to floor past the
// cliff. Posts from the future count as brand new.
func Freshness(age, tau, cliff time.Duration, floor float64) float64 {
	if age <= 0 {
		return 1
	}
	if age > cliff {
		return floor
	}
	return math.Max(math.Exp(-age.Hours()/tau.Hours()), floor)
}

// Context averages time-of-day, connection, and locale fit.
func Context(p feed.Post, rc feed.RequestContext) float64 {
	return (timeOfDayFit(p, rc.ClientHour) + connectionFit(p, rc.Connection) + localeFit(p.Locale, rc.Locale)) / 3
}

func bucket(hour int) int {
	return hour / 6
}

// timeOfDayFit compares the client's hour bucket with the post's creation
// hour bucket (UTC).
func timeOfDayFit(p feed.Post, clientHour int) float64 {
	if clientHour < 0 || clientHour > 23 {
		return 0.5
	}
	a, b := bucket(clientHour), bucket(p.CreatedAt.UTC().Hour())
	switch d := (a - b + 4) % 4; d {
	case 0:
		return 1
	case 1, 3:
		return 0.5
	default:
		return 0.25
	}
}

func connectionFit(p feed.Post, c feed.Connection) float64 {
	if !c.Constrained() || p.LowResAvailable {
		return 1
	}
	return 0.4
}

func localeFit(post, viewer string) float64 {
	if post == "" || viewer == "" {
		return 0.5
	}
	if strings.EqualFold(primaryTag(post), primaryTag(viewer)) {
		return 1
	}
	return 0.2
}

func primaryTag(locale string) string {
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		return locale[:i]
	}
	return locale
}
