package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/mqtt"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
	"github.com/eddielth/gadgetbridge-mqtt/transformer"
	"github.com/jonboulle/clockwork"
)

// State is the scheduler's lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Degraded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrBrokerUnavailable marks cycles that failed on the broker side.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Broker establishes the broker connection on demand.
type Broker interface {
	EnsureConnected(ctx context.Context) error
}

// Classifier converts rows to samples and sensor definitions.
type Classifier interface {
	Classify(d transformer.Device, row storage.RawRow) []transformer.Sample
	DefinitionsFor(d transformer.Device, row storage.RawRow) []transformer.SensorDefinition
}

// Devices resolves source device rows to stable devices.
type Devices interface {
	Observe(rows []storage.DeviceRow) []transformer.Device
	Lookup(rowID int64) (transformer.Device, bool)
}

// Registrar publishes discovery configs.
type Registrar interface {
	EnsureRegistered(ctx context.Context, def transformer.SensorDefinition) (bool, error)
}

// StatePublisher publishes sample values.
type StatePublisher interface {
	Publish(ctx context.Context, s transformer.Sample) error
}

// Liveness receives the completion time of successful cycles.
type Liveness interface {
	Mark(t time.Time) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	ObserveCycle(result string, d time.Duration)
	SamplesPublished(n int)
	SensorRegistered()
	SetLastSuccess(t time.Time)
	SetState(state int)
}

// Options wires the scheduler's collaborators. Metrics and Clock are optional.
type Options struct {
	Reader    storage.Reader
	Catalog   Classifier
	Devices   Devices
	Broker    Broker
	Discovery Registrar
	States    StatePublisher
	Liveness  Liveness
	Metrics   Recorder
	Clock     clockwork.Clock
	Interval  time.Duration
}

// Scheduler runs publish cycles on a single goroutine.
type Scheduler struct {
	opts  Options
	clock clockwork.Clock
	state atomic.Int32
	tasks chan func()
}

// New creates a scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Reader == nil:
		return nil, errors.New("scheduler: reader is required")
	case opts.Catalog == nil:
		return nil, errors.New("scheduler: catalog is required")
	case opts.Devices == nil:
		return nil, errors.New("scheduler: device registry is required")
	case opts.Broker == nil || opts.Discovery == nil || opts.States == nil:
		return nil, errors.New("scheduler: broker and publishers are required")
	case opts.Liveness == nil:
		return nil, errors.New("scheduler: liveness is required")
	case opts.Interval <= 0:
		return nil, fmt.Errorf("scheduler: invalid interval %s", opts.Interval)
	}

	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		opts:  opts,
		clock: clock,
		tasks: make(chan func(), 8),
	}, nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.opts.Metrics.SetState(int(st))
}

// Submit queues fn to run on the scheduling goroutine between cycles. It
// returns false when the queue is full.
func (s *Scheduler) Submit(fn func()) bool {
	select {
	case s.tasks <- fn:
		return true
	default:
		logger.Warn("scheduler task queue full, dropping task")
		return false
	}
}

// Run executes a cycle immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("scheduler started, interval %s", s.opts.Interval)
	_ = s.RunCycle(ctx)

	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case fn := <-s.tasks:
			fn()
		case <-ticker.Chan():
			_ = s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one read, classify, register and publish pass.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := s.clock.Now()
	s.setState(Running)

	published, err := s.cycle(ctx)
	elapsed := s.clock.Since(start)

	if err != nil {
		s.setState(Degraded)
		s.opts.Metrics.ObserveCycle(resultLabel(err), elapsed)
		logger.Warn("cycle failed after %s: %v", elapsed, err)
		return err
	}

	done := s.clock.Now()
	if err := s.opts.Liveness.Mark(done); err != nil {
		logger.Error("failed to record liveness: %v", err)
	}
	s.opts.Metrics.SetLastSuccess(done)
	s.opts.Metrics.ObserveCycle("success", elapsed)
	s.setState(Idle)
	logger.Info("cycle completed in %s, %d samples published", elapsed, published)
	return nil
}

func (s *Scheduler) cycle(ctx context.Context) (int, error) {
	// the datastore is released before any network call
	snapshot, err := s.opts.Reader.Read(ctx)
	if err != nil {
		return 0, err
	}

	s.opts.Devices.Observe(snapshot.Devices)

	if err := s.opts.Broker.EnsureConnected(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	published := 0
	defer func() { s.opts.Metrics.SamplesPublished(published) }()

	for _, row := range snapshot.Rows {
		device, ok := s.opts.Devices.Lookup(row.DeviceRef)
		if !ok {
			logger.Debug("skipping %s row for untracked device %d", row.Kind, row.DeviceRef)
			continue
		}

		samples := s.opts.Catalog.Classify(device, row)
		if len(samples) == 0 {
			continue
		}

		defs := make(map[string]transformer.SensorDefinition)
		for _, def := range s.opts.Catalog.DefinitionsFor(device, row) {
			defs[def.Key()] = def
		}

		for _, sample := range samples {
			def, ok := defs[sample.Key()]
			if !ok {
				logger.Warn("no sensor definition for %s, skipping", sample.Key())
				continue
			}

			registered, err := s.opts.Discovery.EnsureRegistered(ctx, def)
			if err != nil {
				return published, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
			}
			if registered {
				s.opts.Metrics.SensorRegistered()
			}

			if err := s.opts.States.Publish(ctx, sample); err != nil {
				if errors.Is(err, mqtt.ErrUnsupportedValue) {
					logger.Warn("dropping sample: %v", err)
					continue
				}
				return published, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
			}
			published++
		}
	}

	return published, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, storage.ErrDatastoreUnavailable):
		return "datastore_unavailable"
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(string, time.Duration) {}
func (nopRecorder) SamplesPublished(int)               {}
func (nopRecorder) SensorRegistered()                  {}
func (nopRecorder) SetLastSuccess(time.Time)           {}
func (nopRecorder) SetState(int)                       {}
