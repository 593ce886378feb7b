// Package heartbeat runs the health checks of the service concurrently and
// aggregates them into one report.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/logging"
)

const DefaultTimeout = 5 * time.Second

// Check returns nil when healthy. Errors matching
// common.ErrCertificateExpiringSoon are warnings and do not fail the check.
type Check func(ctx context.Context) error

// Report is the heartbeat response body.
type Report struct {
	Checks   map[string]bool
	Warnings []string
}

func (r Report) OK() bool {
	for _, ok := range r.Checks {
		if !ok {
			return false
		}
	}
	return true
}

// Body renders the report as served by /__heartbeat__.
func (r Report) Body() map[string]any {
	body := make(map[string]any, len(r.Checks)+1)
	for name, ok := range r.Checks {
		body[name] = ok
	}
	if len(r.Warnings) > 0 {
		body["warnings"] = r.Warnings
	}
	return body
}

type Heartbeat struct {
	checks  map[string]Check
	timeout time.Duration
	log     logging.Logger
}

func New(timeout time.Duration, log logging.Logger) *Heartbeat {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Heartbeat{checks: map[string]Check{}, timeout: timeout, log: log.With("module", "heartbeat")}
}

// Add registers a named check. It is not safe to call concurrently with Run.
func (h *Heartbeat) Add(name string, c Check) {
	h.checks[name] = c
}

// Run executes every check concurrently within the timeout.
func (h *Heartbeat) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var mu sync.Mutex
	report := Report{Checks: make(map[string]bool, len(h.checks))}

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range h.checks {
		g.Go(func() error {
			err := run(gctx, check)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Checks[name] = true
			case errors.Is(err, common.ErrCertificateExpiringSoon):
				report.Checks[name] = true
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s", name, err))
			default:
				report.Checks[name] = false
				h.log.Warn(ctx, "heartbeat check failed", "check", name, "error", err)
			}
			// a failed check must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Warnings)
	return report
}

func run(ctx context.Context, check Check) error {
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
