package assembler

import (
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/scorer"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
)

// level is how many soft constraints are lifted when picking a slot.
type level int

const (
	strict level = iota
	relaxCreators
	relaxRefresh
)

// emitter fills a page slot by slot. Each slot takes the admissible
// candidate with the highest total score, or a uniformly drawn candidate of
// the same tier on exploration slots. Fallback candidates are taken only
// when nothing else is admissible, least recently shown first.
type emitter struct {
	scorer   *scorer.Scorer
	cfg      config.FeedConfig
	seed     scorer.Seed
	pageSize int

	items     []feed.Item
	authors   []string
	perAuthor map[string]int
	ids       map[string]struct{}
	repeats   int

	// prev holds the first page of the previous refresh; at most prevCap of
	// its posts may reappear. prevCap < 0 disables the check.
	prev     map[string]struct{}
	prevCap  int
	prevUsed int

	relaxed int
}

func newEmitter(s *scorer.Scorer, cfg config.FeedConfig, seed scorer.Seed, pageSize int, prevFirst []string, enforceDelta bool) *emitter {
	e := &emitter{
		scorer:    s,
		cfg:       cfg,
		seed:      seed,
		pageSize:  pageSize,
		perAuthor: make(map[string]int),
		ids:       make(map[string]struct{}, pageSize),
		prevCap:   -1,
	}
	if enforceDelta && len(prevFirst) > 0 {
		e.prev = make(map[string]struct{}, len(prevFirst))
		for _, id := range prevFirst {
			e.prev[id] = struct{}{}
		}
		e.prevCap = max(pageSize-cfg.MinRefreshDelta, 0)
	}
	return e
}

func (e *emitter) full() bool {
	return len(e.items) >= e.pageSize
}

func (e *emitter) has(postID string) bool {
	_, ok := e.ids[postID]
	return ok
}

func (e *emitter) postIDs() []string {
	out := make([]string, len(e.items))
	for i, it := range e.items {
		out[i] = it.PostID
	}
	return out
}

// nearAuthor reports whether author appears in the last CreatorGap-1 slots.
func (e *emitter) nearAuthor(author string) bool {
	for i, n := len(e.authors)-1, 0; i >= 0 && n < e.cfg.CreatorGap-1; i, n = i-1, n+1 {
		if e.authors[i] == author {
			return true
		}
	}
	return false
}

func (e *emitter) admissible(sc scorer.Scored, lvl level) bool {
	p := sc.Candidate.Post
	if e.has(p.ID) {
		return false
	}
	if sc.Candidate.Tier == feed.TierRepeat {
		if len(e.items) < e.cfg.RepeatSafePrefix || e.repeats >= e.cfg.MaxRepeatsPerPage {
			return false
		}
	}
	// The creator cap yields before the page is left short of page_size.
	if lvl < relaxCreators {
		if e.perAuthor[p.AuthorID] >= e.cfg.MaxPerCreatorPerPage || e.nearAuthor(p.AuthorID) {
			return false
		}
	}
	if lvl < relaxRefresh && e.prevCap >= 0 {
		if _, ok := e.prev[p.ID]; ok && e.prevUsed >= e.prevCap {
			return false
		}
	}
	return true
}

// fill emits from pool until the page is full or nothing in pool is
// admissible even with the soft constraints lifted.
func (e *emitter) fill(pool []scorer.Scored) {
	for !e.full() {
		var options []int
		lvl := strict
		for ; lvl <= relaxRefresh; lvl++ {
			options = options[:0]
			for i, sc := range pool {
				if e.admissible(sc, lvl) {
					options = append(options, i)
				}
			}
			if len(options) > 0 {
				break
			}
		}
		if len(options) == 0 {
			return
		}
		if lvl > strict {
			e.relaxed++
		}
		e.emit(e.choose(pool, options))
	}
}

type choice struct {
	sc        scorer.Scored
	diversity float64
}

func (e *emitter) choose(pool []scorer.Scored, options []int) choice {
	var ranked []int
	for _, i := range options {
		if pool[i].Candidate.Tier != feed.TierFallback {
			ranked = append(ranked, i)
		}
	}
	if len(ranked) == 0 {
		return e.leastRecent(pool, options)
	}
	options = ranked

	best, bestTotal := -1, 0.0
	for _, i := range options {
		sc := pool[i]
		total := e.scorer.Total(sc, e.scorer.Diversity(sc.Candidate.Post.AuthorID, e.authors))
		if best < 0 || total > bestTotal || (total == bestTotal && sc.Candidate.Post.ID < pool[best].Candidate.Post.ID) {
			best, bestTotal = i, total
		}
	}
	pick := best
	if explore, draw := e.scorer.Explore(e.seed, len(e.items)); explore {
		tier := pool[best].Candidate.Tier
		var same []int
		for _, i := range options {
			if pool[i].Candidate.Tier == tier {
				same = append(same, i)
			}
		}
		pick = same[int(draw*float64(len(same)))]
	}
	sc := pool[pick]
	return choice{sc: sc, diversity: e.scorer.Diversity(sc.Candidate.Post.AuthorID, e.authors)}
}

// leastRecent picks the fallback candidate with the lowest rank, which the
// selector assigns in least-recently-shown order.
func (e *emitter) leastRecent(pool []scorer.Scored, options []int) choice {
	pick := options[0]
	for _, i := range options[1:] {
		c, b := pool[i].Candidate, pool[pick].Candidate
		if c.Rank < b.Rank || (c.Rank == b.Rank && c.Post.ID < b.Post.ID) {
			pick = i
		}
	}
	sc := pool[pick]
	return choice{sc: sc, diversity: e.scorer.Diversity(sc.Candidate.Post.AuthorID, e.authors)}
}

func (e *emitter) emit(c choice) {
	cand := c.sc.Candidate
	p := cand.Post
	unjittered := e.scorer.Unjittered(c.sc, c.diversity)
	original := unjittered
	if !cand.Tier.Unseen() && !cand.LastShownAt.IsZero() {
		original = cand.ScoreAtShow
	}
	e.items = append(e.items, feed.Item{
		PostID:        p.ID,
		PlaybackID:    p.PlaybackID,
		DurationMs:    p.DurationMs,
		AuthorID:      p.AuthorID,
		SourceTier:    cand.Tier,
		Score:         unjittered + c.sc.Jitter,
		OriginalScore: original,
		Jitter:        c.sc.Jitter,
	})
	e.authors = append(e.authors, p.AuthorID)
	e.perAuthor[p.AuthorID]++
	e.ids[p.ID] = struct{}{}
	if cand.Tier == feed.TierRepeat {
		e.repeats++
	}
	if _, ok := e.prev[p.ID]; ok {
		e.prevUsed++
	}
}
