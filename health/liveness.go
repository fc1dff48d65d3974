package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Record is the on-disk form of the liveness signal.
type Record struct {
	LastSuccess     time.Time `json:"last_success"`
	StartedAt       time.Time `json:"started_at"`
	IntervalSeconds int       `json:"interval_seconds"`
	PID             int       `json:"pid"`
}

// LivenessReader exposes the last successful cycle time and the process
// start time used for the startup grace.
type LivenessReader interface {
	Last() time.Time
	StartedAt() time.Time
}

// Liveness records the completion time of the last fully successful cycle.
// Only the scheduler writes it; Last is safe to call from any goroutine.
type Liveness struct {
	path      string
	interval  time.Duration
	startedAt time.Time
	last      atomic.Int64
}

// NewLiveness creates a liveness signal persisted at path. An empty path
// keeps the signal in memory only.
func NewLiveness(path string, interval time.Duration, startedAt time.Time) *Liveness {
	return &Liveness{
		path:      path,
		interval:  interval,
		startedAt: startedAt,
	}
}

// Seed writes a record with an empty last_success and the start time. The
// signal itself only advances through Mark.
func (l *Liveness) Seed() error {
	return l.persist()
}

// Mark advances the signal to t. Times earlier than the current value are
// ignored so the signal never moves backwards.
func (l *Liveness) Mark(t time.Time) error {
	next := t.UnixNano()
	for {
		cur := l.last.Load()
		if next <= cur {
			return nil
		}
		if l.last.CompareAndSwap(cur, next) {
			break
		}
	}
	return l.persist()
}

// Last returns the last successful cycle time, or the zero time.
func (l *Liveness) Last() time.Time {
	n := l.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// StartedAt returns the process start time.
func (l *Liveness) StartedAt() time.Time {
	return l.startedAt
}

func (l *Liveness) persist() error {
	if l.path == "" {
		return nil
	}

	data, err := json.Marshal(Record{
		LastSuccess:     l.Last().UTC(),
		StartedAt:       l.startedAt.UTC(),
		IntervalSeconds: int(l.interval / time.Second),
		PID:             os.Getpid(),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(l.path, data)
}

// writeFileAtomic replaces path so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create liveness directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create liveness file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write liveness file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close liveness file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadRecord loads the liveness file. A record without last_success is valid
// as long as it carries started_at.
func ReadRecord(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("corrupt liveness file %s: %w", path, err)
	}
	if rec.LastSuccess.IsZero() && rec.StartedAt.IsZero() {
		return rec, fmt.Errorf("liveness file %s has neither last_success nor started_at", path)
	}
	return rec, nil
}
