package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/models"
	"github.com/ukydev/fleet-telemetry/internal/telemetry"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, event models.TelemetryEvent) (models.TelemetryEvent, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(models.TelemetryEvent), args.Error(1)
}

func (m *MockStore) AppendMany(ctx context.Context, events []models.TelemetryEvent) (telemetry.BatchResult, error) {
	args := m.Called(ctx, events)
	return args.Get(0).(telemetry.BatchResult), args.Error(1)
}

type MockPartitions struct {
	mock.Mock
}

func (m *MockPartitions) EnsureFor(ctx context.Context, ts time.Time) error {
	return m.Called(ctx, ts).Error(0)
}

type fakeDevices struct {
	mu      sync.Mutex
	touched []string
	err     error
}

func (f *fakeDevices) TouchDevice(_ context.Context, deviceID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, deviceID)
	return f.err
}

type fakeAlerts struct {
	alerts []models.AlertEvent
	err    error
}

func (f *fakeAlerts) Evaluate(_ context.Context, _ models.TelemetryEvent) ([]models.AlertEvent, error) {
	return f.alerts, f.err
}

type published struct {
	channel string
	payload interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(channel string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{channel, payload})
	return f.err
}

func (f *fakePublisher) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.channel)
	}
	return out
}

func fuel(ts time.Time, percent float64) models.TelemetryEvent {
	return models.TelemetryEvent{DeviceID: "dev-1", TruckID: "truck-1", TS: ts, Payload: models.FuelLevel{Percent: percent}}
}

func withID(e models.TelemetryEvent, id int64) models.TelemetryEvent {
	e.ID = id
	return e
}

var noPartition = fmt.Errorf("append fuel_level event: %w", db.ErrNoPartition)

func TestIngest_Stored(t *testing.T) {
	store := new(MockStore)
	devices := &fakeDevices{}
	pub := &fakePublisher{}
	alert := models.AlertEvent{ID: 9, TruckID: "truck-1", Type: models.AlertLowFuel, Severity: models.SeverityMedium}
	p := NewPipeline(Deps{
		Store:      store,
		Partitions: new(MockPartitions),
		Devices:    devices,
		Alerts:     &fakeAlerts{alerts: []models.AlertEvent{alert}},
		Publisher:  pub,
	}, nil)

	event := fuel(time.Date(2024, 12, 2, 8, 0, 0, 0, time.UTC), 5)
	store.On("Append", mock.Anything, event).Return(withID(event, 1), nil).Once()

	res := p.Ingest(context.Background(), event)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.Equal(t, int64(1), res.Event.ID)
	assert.Equal(t, []models.AlertEvent{alert}, res.Alerts)
	assert.Equal(t, []string{"dev-1"}, devices.touched)
	assert.Equal(t, []string{ChannelTruckUpdates, "truck:truck-1", ChannelAlerts}, pub.channels())
	store.AssertExpectations(t)
}

func TestIngest_CreatesPartitionAndRetriesOnce(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	p := NewPipeline(Deps{Store: store, Partitions: parts}, nil)

	ts := time.Date(2031, 3, 4, 5, 0, 0, 0, time.UTC)
	event := fuel(ts, 50)
	store.On("Append", mock.Anything, event).Return(event, noPartition).Once()
	parts.On("EnsureFor", mock.Anything, ts).Return(nil).Once()
	store.On("Append", mock.Anything, event).Return(withID(event, 77), nil).Once()

	res := p.Ingest(context.Background(), event)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStoredAfterPartitionInit, res.Outcome)
	assert.Equal(t, int64(77), res.Event.ID)
	store.AssertNumberOfCalls(t, "Append", 2)
	parts.AssertExpectations(t)
}

func TestIngest_RetriesAreBounded(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	p := NewPipeline(Deps{Store: store, Partitions: parts}, nil)

	event := fuel(time.Date(2031, 3, 4, 5, 0, 0, 0, time.UTC), 50)
	store.On("Append", mock.Anything, event).Return(event, noPartition)
	parts.On("EnsureFor", mock.Anything, mock.Anything).Return(nil)

	res := p.Ingest(context.Background(), event)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, db.ErrNoPartition)
	store.AssertNumberOfCalls(t, "Append", 1+defaultPartitionRetries)
	parts.AssertNumberOfCalls(t, "EnsureFor", defaultPartitionRetries)
}

func TestIngest_PartitionCreationFails(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	pub := &fakePublisher{}
	p := NewPipeline(Deps{Store: store, Partitions: parts, Publisher: pub}, nil)

	event := fuel(time.Date(2031, 3, 4, 5, 0, 0, 0, time.UTC), 50)
	store.On("Append", mock.Anything, event).Return(event, noPartition)
	parts.On("EnsureFor", mock.Anything, mock.Anything).Return(db.ErrDatabaseUnavailable)

	res := p.Ingest(context.Background(), event)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, db.ErrNoPartition)
	assert.Contains(t, res.Err.Error(), "ensure partition")
	store.AssertNumberOfCalls(t, "Append", 1+defaultPartitionRetries)
	assert.Empty(t, pub.channels(), "failed events are not broadcast")
}

func TestIngest_RetriesAppendWhenConcurrentCreatorWon(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	p := NewPipeline(Deps{Store: store, Partitions: parts}, nil)

	ts := time.Date(2031, 3, 4, 5, 0, 0, 0, time.UTC)
	event := fuel(ts, 50)
	raced := errors.New("canceling statement due to lock timeout")
	store.On("Append", mock.Anything, event).Return(event, noPartition).Once()
	parts.On("EnsureFor", mock.Anything, ts).Return(raced).Once()
	store.On("Append", mock.Anything, event).Return(withID(event, 12), nil).Once()

	res := p.Ingest(context.Background(), event)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeStoredAfterPartitionInit, res.Outcome)
	assert.Equal(t, int64(12), res.Event.ID)
	store.AssertExpectations(t)
	parts.AssertExpectations(t)
}

func TestIngest_DownstreamErrorsDoNotFailIngest(t *testing.T) {
	store := new(MockStore)
	p := NewPipeline(Deps{
		Store:      store,
		Partitions: new(MockPartitions),
		Devices:    &fakeDevices{err: db.ErrNotFound},
		Alerts:     &fakeAlerts{err: errors.New("alerts down")},
		Publisher:  &fakePublisher{err: errors.New("hub stopped")},
	}, nil)

	event := fuel(time.Now().UTC(), 50)
	store.On("Append", mock.Anything, event).Return(withID(event, 3), nil)

	res := p.Ingest(context.Background(), event)
	assert.NoError(t, res.Err)
	assert.Equal(t, OutcomeStored, res.Outcome)
}

func TestIngestBatch_RetriesNoPartitionRows(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	pub := &fakePublisher{}
	p := NewPipeline(Deps{Store: store, Partitions: parts, Publisher: pub}, nil)

	now := time.Date(2024, 12, 2, 8, 0, 0, 0, time.UTC)
	future := time.Date(2031, 1, 15, 0, 0, 0, 0, time.UTC)
	events := []models.TelemetryEvent{
		fuel(now, 50),
		fuel(future, 49),
		{DeviceID: "dev-1", TruckID: "truck-1", TS: now},
		fuel(future.Add(time.Hour), 48),
	}

	store.On("AppendMany", mock.Anything, events).Return(telemetry.BatchResult{
		Inserted: 1,
		Events:   []models.TelemetryEvent{withID(events[0], 1)},
		Failures: []telemetry.RowFailure{
			{Index: 1, Event: events[1], Err: db.ErrNoPartition},
			{Index: 2, Event: events[2], Err: db.ErrInvalidEvent},
			{Index: 3, Event: events[3], Err: db.ErrNoPartition},
		},
	}, nil).Once()
	parts.On("EnsureFor", mock.Anything, time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)).Return(nil).Once()
	retry := []models.TelemetryEvent{events[1], events[3]}
	store.On("AppendMany", mock.Anything, retry).Return(telemetry.BatchResult{
		Inserted: 2,
		Events:   []models.TelemetryEvent{withID(events[1], 2), withID(events[3], 3)},
	}, nil).Once()

	report, err := p.IngestBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 2, report.StoredAfterPartitions)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 2, report.Failures[0].Index)
	assert.Len(t, pub.channels(), 6)
	store.AssertExpectations(t)
	parts.AssertExpectations(t)
}

func TestIngestBatch_RetryFailureKeepsOriginalIndexes(t *testing.T) {
	store := new(MockStore)
	parts := new(MockPartitions)
	p := NewPipeline(Deps{Store: store, Partitions: parts}, nil)

	future := time.Date(2031, 1, 15, 0, 0, 0, 0, time.UTC)
	events := []models.TelemetryEvent{fuel(future, 10), fuel(future, 11)}
	store.On("AppendMany", mock.Anything, events).Return(telemetry.BatchResult{
		Failures: []telemetry.RowFailure{{Index: 1, Event: events[1], Err: db.ErrNoPartition}},
		Inserted: 1,
		Events:   []models.TelemetryEvent{withID(events[0], 1)},
	}, nil).Once()
	parts.On("EnsureFor", mock.Anything, mock.Anything).Return(nil)
	store.On("AppendMany", mock.Anything, []models.TelemetryEvent{events[1]}).
		Return(telemetry.BatchResult{}, db.ErrDatabaseUnavailable).Once()

	report, err := p.IngestBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 1, report.Failures[0].Index)
	assert.ErrorIs(t, report.Failures[0].Err, db.ErrDatabaseUnavailable)
}

func TestIngestBatch_WholeBatchLost(t *testing.T) {
	store := new(MockStore)
	p := NewPipeline(Deps{Store: store, Partitions: new(MockPartitions)}, nil)

	events := []models.TelemetryEvent{fuel(time.Now(), 1)}
	store.On("AppendMany", mock.Anything, events).Return(telemetry.BatchResult{}, db.ErrDatabaseUnavailable)

	_, err := p.IngestBatch(context.Background(), events)
	assert.ErrorIs(t, err, db.ErrDatabaseUnavailable)
}
