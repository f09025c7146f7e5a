// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when a required one
// fails. An optional checker that fails only marks the instance "degraded":
// sessions keep running, so the probe still answers 200.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one checker run.
const checkTimeout = 5 * time.Second

// Overall and per-check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is one named readiness check.
type Checker struct {
	Name string
	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error
	// Optional failures degrade the instance instead of failing readiness.
	Optional bool
}

// Pinger is anything with a context-aware Ping, such as the session archive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a required [Checker] that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Report is the /readyz body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler over checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz runs the checkers and answers 503 if a required one failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Run executes every checker, each under its own timeout, and summarises
// the results.
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			start := time.Now()
			err := c.Check(cctx)
			cancel()

			res := CheckResult{Status: StatusOK, Elapsed: time.Since(start).Round(time.Microsecond).String()}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
			case c.Optional:
				res.Status, res.Error = StatusDegraded, err.Error()
				if rep.Status == StatusOK {
					rep.Status = StatusDegraded
				}
			default:
				res.Status, res.Error = StatusFail, err.Error()
				rep.Status = StatusFail
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
