package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/shopai-go/internal/logging"
)

// probeTimeout bounds each dependency probe so /api/ready answers quickly
// even when a dependency hangs.
const probeTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability.
// Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping returns nil when the dependency is reachable.
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses.
	Name() string
}

// isOptional reports whether p declares itself optional. Pingers without an
// Optional method are required.
func isOptional(p Pinger) bool {
	o, ok := p.(interface{ Optional() bool })
	return ok && o.Optional()
}

// ReadyCheck is the result of one dependency probe.
type ReadyCheck struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReadyReport is the JSON body returned by GET /api/ready.
type ReadyReport struct {
	// Ready is false when any required dependency is down.
	Ready bool `json:"ready"`
	// Degraded is true when only optional dependencies are down: chat still
	// answers, but without catalog data or knowledge-base passages.
	Degraded bool `json:"degraded"`
	// Checks holds one entry per dependency, in configuration order.
	Checks []ReadyCheck `json:"checks"`
}

// CheckDependencies probes every pinger concurrently, each bounded by
// timeout, and folds the results into a report.
func CheckDependencies(ctx context.Context, pingers []Pinger, timeout time.Duration) ReadyReport {
	log := logging.FromContext(ctx)
	report := ReadyReport{Ready: true, Checks: make([]ReadyCheck, len(pingers))}

	var g errgroup.Group
	for i, p := range pingers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			check := ReadyCheck{Name: p.Name(), Optional: isOptional(p)}
			if err := p.Ping(pctx); err != nil {
				check.Error = err.Error()
				log.Warn("readiness probe failed",
					slog.String("dependency", check.Name),
					slog.Bool("optional", check.Optional),
					slog.Any("error", err),
				)
			} else {
				check.OK = true
			}
			report.Checks[i] = check
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range report.Checks {
		switch {
		case c.OK:
		case c.Optional:
			report.Degraded = true
		default:
			report.Ready = false
		}
	}
	return report
}

// handleReady handles GET /api/ready. It returns 503 when a required
// dependency (the model or a shared session store) is down, and 200 with
// degraded set when only the catalog or the passage store is.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := CheckDependencies(r.Context(), s.pingers, probeTimeout)

	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
