package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/health"
	"github.com/eddielth/gadgetbridge-mqtt/mqtt"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
	"github.com/eddielth/gadgetbridge-mqtt/transformer"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu       sync.Mutex
	snapshot *storage.Snapshot
	err      error
	reads    int
}

func (r *fakeReader) Read(context.Context) (*storage.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return nil, r.err
	}
	return r.snapshot, nil
}

func (r *fakeReader) set(snapshot *storage.Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot, r.err = snapshot, err
}

func (r *fakeReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

type fakeBroker struct {
	err   error
	calls int
}

func (b *fakeBroker) EnsureConnected(context.Context) error {
	b.calls++
	return b.err
}

type sent struct {
	topic    string
	retained bool
	payload  string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []sent
	err      error
	// failAfter makes every publish after the first n fail.
	failAfter int
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && len(p.messages) >= p.failAfter {
		return p.err
	}
	p.messages = append(p.messages, sent{topic: topic, retained: retained, payload: string(payload)})
	return nil
}

func (p *fakePublisher) take() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.messages
	p.messages = nil
	return out
}

type fixture struct {
	sched     *Scheduler
	reader    *fakeReader
	broker    *fakeBroker
	publisher *fakePublisher
	liveness  *health.Liveness
	clock     clockwork.FakeClock
}

var (
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	watchA  = storage.DeviceRow{RowID: 1, Name: "Xiaomi Smart Band 8", Alias: "Watch A", Identifier: "C8:0F:10:AA:BB:CC"}
	topics  = mqtt.Topics{DiscoveryPrefix: "homeassistant", BaseTopic: "gadgetbridge"}
	started = t0.Add(-time.Hour)
)

func batterySnapshot(level interface{}, ts time.Time) *storage.Snapshot {
	return &storage.Snapshot{
		Devices: []storage.DeviceRow{watchA},
		Rows: []storage.RawRow{
			{Kind: "BATTERY_LEVEL", DeviceRef: 1, Timestamp: ts, Columns: map[string]interface{}{"LEVEL": level}},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := transformer.NewCatalog(nil)
	require.NoError(t, err)
	devices, err := transformer.NewDeviceRegistry("")
	require.NoError(t, err)

	f := &fixture{
		reader:    &fakeReader{snapshot: &storage.Snapshot{}},
		broker:    &fakeBroker{},
		publisher: &fakePublisher{},
		liveness:  health.NewLiveness("", 5*time.Minute, started),
		clock:     clockwork.NewFakeClockAt(t0),
	}
	require.NoError(t, f.liveness.Seed())

	f.sched, err = New(Options{
		Reader:    f.reader,
		Catalog:   catalog,
		Devices:   devices,
		Broker:    f.broker,
		Discovery: mqtt.NewDiscoveryPublisher(f.publisher, topics),
		States:    mqtt.NewStatePublisher(f.publisher, topics, true),
		Liveness:  f.liveness,
		Clock:     f.clock,
		Interval:  5 * time.Minute,
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCycleRegistersOnceAndPublishesEachTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reader.set(batterySnapshot(int64(87), t0.Add(-time.Minute)), nil)
	require.NoError(t, f.sched.RunCycle(ctx))
	assert.Equal(t, Idle, f.sched.State())

	msgs := f.publisher.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, "homeassistant/sensor/watch_a/battery/config", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Contains(t, msgs[0].payload, `"unique_id":"gadgetbridge_watch_a-battery"`)
	assert.Equal(t, sent{topic: "gadgetbridge/watch_a/battery/state", retained: true, payload: "87"}, msgs[1])
	assert.True(t, f.liveness.Last().Equal(t0))

	f.clock.Advance(5 * time.Minute)
	f.reader.set(batterySnapshot(int64(85), t0.Add(4*time.Minute)), nil)
	require.NoError(t, f.sched.RunCycle(ctx))

	msgs = f.publisher.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gadgetbridge/watch_a/battery/state", msgs[0].topic)
	assert.Equal(t, "85", msgs[0].payload)
	assert.True(t, f.liveness.Last().Equal(t0.Add(5*time.Minute)))
}

func TestCycleBrokerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.reader.set(batterySnapshot(int64(87), t0), nil)
	f.broker.err = errors.New("dial tcp: connection refused")

	err := f.sched.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, Degraded, f.sched.State())
	assert.Empty(t, f.publisher.take())
	assert.True(t, f.liveness.Last().IsZero(), "liveness must not advance")

	f.broker.err = nil
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.sched.RunCycle(context.Background()))
	assert.Equal(t, Idle, f.sched.State())
	assert.Len(t, f.publisher.take(), 2)
}

func TestCycleDatastoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.reader.set(nil, fmt.Errorf("%w: database is locked", storage.ErrDatastoreUnavailable))

	err := f.sched.RunCycle(context.Background())
	assert.ErrorIs(t, err, storage.ErrDatastoreUnavailable)
	assert.Equal(t, Degraded, f.sched.State())
	assert.Zero(t, f.broker.calls, "broker is not touched when the read fails")
	assert.True(t, f.liveness.Last().IsZero())
}

func TestCyclePublishFailureRetriesRegistration(t *testing.T) {
	f := newFixture(t)
	f.reader.set(batterySnapshot(int64(87), t0), nil)
	f.publisher.err = mqtt.ErrNotConnected

	err := f.sched.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
	assert.Equal(t, Degraded, f.sched.State())

	// discovery went out but the state publish failed
	f.publisher.err = nil
	f.publisher.take()
	f.publisher.err = mqtt.ErrNotConnected
	f.publisher.failAfter = 1
	err = f.sched.RunCycle(context.Background())
	assert.Error(t, err)
	assert.True(t, f.liveness.Last().IsZero())

	f.publisher.err = nil
	msgs := f.publisher.take()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].topic, "/config")

	require.NoError(t, f.sched.RunCycle(context.Background()))
	msgs = f.publisher.take()
	require.Len(t, msgs, 1, "registration is not repeated")
	assert.Equal(t, "87", msgs[0].payload)
}

func TestCycleSkipsMalformedAndUnknownRows(t *testing.T) {
	f := newFixture(t)
	f.reader.set(&storage.Snapshot{
		Devices: []storage.DeviceRow{watchA},
		Rows: []storage.RawRow{
			{Kind: "BATTERY_LEVEL", DeviceRef: 1, Timestamp: t0, Columns: map[string]interface{}{"LEVEL": "n/a"}},
			{Kind: "SOME_FUTURE_TABLE", DeviceRef: 1, Timestamp: t0, Columns: map[string]interface{}{"X": int64(1)}},
			{Kind: "BATTERY_LEVEL", DeviceRef: 42, Timestamp: t0, Columns: map[string]interface{}{"LEVEL": int64(50)}},
			{Kind: "MI_SCALE_WEIGHT_SAMPLE", DeviceRef: 1, Timestamp: t0, Columns: map[string]interface{}{"WEIGHT_KG": 71.3}},
		},
	}, nil)

	require.NoError(t, f.sched.RunCycle(context.Background()))
	assert.Equal(t, Idle, f.sched.State())

	msgs := f.publisher.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, "gadgetbridge/watch_a/weight/state", msgs[1].topic)
	assert.Equal(t, "71.3", msgs[1].payload)
}

func TestCycleEmptySnapshotStillChecksBroker(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.RunCycle(context.Background()))
	assert.Equal(t, 1, f.broker.calls)
	assert.True(t, f.liveness.Last().Equal(t0))
}

func TestRunTicksAndProcessesTasks(t *testing.T) {
	f := newFixture(t)
	f.reader.set(batterySnapshot(int64(87), t0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	// first cycle runs without waiting for a tick
	require.Eventually(t, func() bool { return f.reader.count() == 1 }, time.Second, 5*time.Millisecond)

	f.clock.BlockUntil(1)
	f.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return f.reader.count() == 2 }, time.Second, 5*time.Millisecond)

	var ran atomic.Bool
	require.True(t, f.sched.Submit(func() { ran.Store(true) }))
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "degraded", Degraded.String())
}
