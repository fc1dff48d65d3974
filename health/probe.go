package health

import (
	"fmt"
	"time"
)

// Result is the outcome of one health evaluation.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Last      time.Time     `json:"last_success"`
	Age       time.Duration `json:"age"`
	Threshold time.Duration `json:"threshold"`
	Reason    string        `json:"reason,omitempty"`
	Starting  bool          `json:"starting,omitempty"`
}

// Evaluate reports healthy iff now - last <= threshold.
func Evaluate(last, now time.Time, threshold time.Duration) Result {
	if last.IsZero() {
		return Result{Threshold: threshold, Reason: "no successful cycle recorded"}
	}

	age := now.Sub(last)
	r := Result{
		Healthy:   age <= threshold,
		Last:      last,
		Age:       age,
		Threshold: threshold,
	}
	if !r.Healthy {
		r.Reason = fmt.Sprintf("last success %s ago exceeds %s", age.Truncate(time.Second), threshold)
	}
	return r
}

// EvaluateSince is Evaluate with a startup grace: while no cycle has
// completed, the process counts as healthy until now - startedAt exceeds
// threshold.
func EvaluateSince(last, startedAt, now time.Time, threshold time.Duration) Result {
	if !last.IsZero() || startedAt.IsZero() {
		return Evaluate(last, now, threshold)
	}

	age := now.Sub(startedAt)
	r := Result{
		Healthy:   age <= threshold,
		Age:       age,
		Threshold: threshold,
		Starting:  true,
	}
	if !r.Healthy {
		r.Reason = fmt.Sprintf("no successful cycle %s after start exceeds %s", age.Truncate(time.Second), threshold)
	}
	return r
}

// Probe checks the liveness file written by a running bridge. It never talks
// to the broker or the datastore.
type Probe struct {
	path      string
	threshold time.Duration
}

// NewProbe creates a probe for the liveness file at path.
func NewProbe(path string, threshold time.Duration) *Probe {
	return &Probe{path: path, threshold: threshold}
}

// Check evaluates the liveness file at now. A missing or corrupt file is unhealthy.
func (p *Probe) Check(now time.Time) Result {
	rec, err := ReadRecord(p.path)
	if err != nil {
		return Result{Threshold: p.threshold, Reason: err.Error()}
	}
	return EvaluateSince(rec.LastSuccess, rec.StartedAt, now, p.threshold)
}
