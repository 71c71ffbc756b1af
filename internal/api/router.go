package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/middleware"
)

// RouterConfig carries the optional pieces of the middleware chain.
type RouterConfig struct {
	Limiter *Limiter
	Metrics *metrics.Metrics
	Timeout time.Duration
	CORS    CORSConfig
}

// Routes are the paths labelled individually in HTTP metrics.
var Routes = []string{
	"/api/v1/feed",
	"/api/v1/feed/events",
	"/api/v1/feed/cache/stats",
	"/api/v1/feed/cache/invalidate",
	"/health/live",
	"/health/ready",
}

// NewRouter builds the ranker's HTTP handler.
//
// Route table:
//
//	GET    /api/v1/feed
//	POST   /api/v1/feed
//	POST   /api/v1/feed/events
//	GET    /api/v1/feed/cache/stats
//	POST   /api/v1/feed/cache/invalidate?viewer_id=
//	GET    /health/live
//	GET    /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → RateLimit → Metrics → Timeout → AccessLog → mux
func NewRouter(h *Handler, checker *health.Checker, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /api/v1/feed", h.GetFeed)
	mux.HandleFunc("POST /api/v1/feed", h.PostFeed)
	mux.HandleFunc("POST /api/v1/feed/events", h.PostEvents)

	mux.HandleFunc("GET /api/v1/feed/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/feed/cache/invalidate", h.CacheInvalidate)

	var chain http.Handler = mux
	chain = pkgmw.AccessLog(chain)
	chain = pkgmw.Timeout(cfg.Timeout)(chain)
	chain = pkgmw.Metrics(cfg.Metrics, Routes...)(chain)
	chain = RateLimit(cfg.Limiter)(chain)
	chain = CORS(cfg.CORS)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
