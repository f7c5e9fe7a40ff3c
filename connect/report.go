package connect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure is one target that did not connect.
type Failure struct {
	Target string
	Err    error
}

// Report is the outcome of a batch connect. A report with failures is not an
// error by itself; callers decide whether to continue degraded.
type Report struct {
	Connected []string
	Failures  []Failure
	Duration  time.Duration
}

// OK reports whether every target connected.
func (r *Report) OK() bool {
	return r == nil || len(r.Failures) == 0
}

// Failed reports whether the named target failed.
func (r *Report) Failed(target string) bool {
	if r == nil {
		return false
	}
	for _, f := range r.Failures {
		if f.Target == target {
			return true
		}
	}
	return false
}

// FailedTargets lists the names of failed targets in scheduling order.
func (r *Report) FailedTargets() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Target)
	}
	return out
}

// Err joins every failure, or returns nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Target, f.Err))
	}
	return errors.Join(errs...)
}

// String renders the multi-line summary that is logged for failed batches.
func (r *Report) String() string {
	if r.OK() {
		return "all targets connected"
	}
	var b strings.Builder
	noun := "targets"
	if len(r.Failures) == 1 {
		noun = "target"
	}
	fmt.Fprintf(&b, "%d %s not connected:", len(r.Failures), noun)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n    %s: %v", f.Target, f.Err)
	}
	return b.String()
}
