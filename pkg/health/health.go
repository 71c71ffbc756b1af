// Package health aggregates dependency probes for liveness and readiness
// endpoints. A degraded dependency (the session cache, or an open breaker
// on one candidate source) keeps the instance ready; only a down one
// takes it out of rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health state of a component or the system overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) worse(than Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[s] > rank[than]
}

// Check probes a single dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result of all component checks.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Checker runs registered checks concurrently, each under its own timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	started time.Time
}

func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
		started: time.Now(),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check and reports the worst component status. A check
// that overruns its timeout is reported down.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make([]Check, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(names))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			res := check(cctx)
			if cctx.Err() != nil && res.Status == StatusUp {
				res = ComponentHealth{Status: StatusDown, Message: "check timed out"}
			}
			res.Latency = time.Since(start).Round(time.Millisecond).String()
			results[i] = res
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(names)),
		Timestamp:  time.Now().UTC(),
	}
	for i, name := range names {
		report.Components[name] = results[i]
		if results[i].Status.worse(report.Status) {
			report.Status = results[i].Status
		}
	}
	return report
}

// Ping adapts a ping function into a Check. A failing ping reports onFail,
// so optional dependencies can report degraded rather than down.
func Ping(ping func(ctx context.Context) error, onFail Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: onFail, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// LiveHandler answers liveness probes; it never touches dependencies.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(c.started).Round(time.Second).String(),
		})
	}
}

// ReadyHandler answers readiness probes: 503 only when a component is down.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
