// Package ingest stores incoming telemetry and fans it out: partition retry,
// device last-seen, alert evaluation and live broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/models"
	"github.com/ukydev/fleet-telemetry/internal/partition"
	"github.com/ukydev/fleet-telemetry/internal/telemetry"
)

// Broadcast channels.
const (
	ChannelTruckUpdates = "truck_updates"
	ChannelAlerts       = "alerts"
)

// TruckChannel is the per-truck broadcast channel.
func TruckChannel(truckID string) string { return "truck:" + truckID }

const defaultPartitionRetries = 2

// Outcome is what happened to one ingested event.
type Outcome string

const (
	OutcomeStored                   Outcome = "stored"
	OutcomeStoredAfterPartitionInit Outcome = "stored_after_partition_creation"
	OutcomeFailed                   Outcome = "failed"
)

// Result is returned to ingestion callers.
type Result struct {
	Event   models.TelemetryEvent
	Outcome Outcome
	Err     error
	Alerts  []models.AlertEvent
}

// BatchReport summarizes IngestBatch. Failures index into the input slice.
type BatchReport struct {
	Inserted              int
	StoredAfterPartitions int
	Failures              []telemetry.RowFailure
	Alerts                []models.AlertEvent
}

type EventStore interface {
	Append(ctx context.Context, event models.TelemetryEvent) (models.TelemetryEvent, error)
	AppendMany(ctx context.Context, events []models.TelemetryEvent) (telemetry.BatchResult, error)
}

type PartitionEnsurer interface {
	EnsureFor(ctx context.Context, ts time.Time) error
}

type DeviceTracker interface {
	TouchDevice(ctx context.Context, deviceID string, seen time.Time) error
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, event models.TelemetryEvent) ([]models.AlertEvent, error)
}

type Publisher interface {
	Publish(channel string, payload interface{}) error
}

// Deps are the pipeline collaborators. Devices, Alerts and Publisher are optional.
type Deps struct {
	Store      EventStore
	Partitions PartitionEnsurer
	Devices    DeviceTracker
	Alerts     AlertEvaluator
	Publisher  Publisher
}

// Pipeline is the ingestion path.
type Pipeline struct {
	deps             Deps
	partitionRetries int
	logger           *log.Entry
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps Deps, logger *log.Entry) *Pipeline {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Pipeline{
		deps:             deps,
		partitionRetries: defaultPartitionRetries,
		logger:           logger.WithField("component", "ingest"),
	}
}

// Ingest stores one event. When the store reports a missing partition, the
// partition is created and the append retried a bounded number of times.
func (p *Pipeline) Ingest(ctx context.Context, event models.TelemetryEvent) Result {
	stored, err := p.deps.Store.Append(ctx, event)
	outcome := OutcomeStored
	for attempt := 1; errors.Is(err, db.ErrNoPartition) && attempt <= p.partitionRetries; attempt++ {
		p.logger.WithFields(log.Fields{
			"truck_id": event.TruckID,
			"ts":       event.TS.Format(time.RFC3339),
			"attempt":  attempt,
		}).Info("no partition for event, creating")
		// A concurrent creator may have won; the append below decides.
		perr := p.deps.Partitions.EnsureFor(ctx, event.TS)
		if perr != nil {
			p.logger.WithError(perr).WithField("truck_id", event.TruckID).Warn("partition creation failed")
		}
		stored, err = p.deps.Store.Append(ctx, event)
		if perr != nil && err != nil {
			err = fmt.Errorf("%w (ensure partition: %v)", err, perr)
		}
		outcome = OutcomeStoredAfterPartitionInit
	}
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"truck_id":  event.TruckID,
			"device_id": event.DeviceID,
			"kind":      event.Kind(),
		}).Warn("telemetry ingest failed")
		return Result{Event: event, Outcome: OutcomeFailed, Err: err}
	}

	return Result{Event: stored, Outcome: outcome, Alerts: p.afterStore(ctx, stored)}
}

// IngestBatch stores events with per-row isolation. Rows rejected for a missing
// partition are retried once after their partitions are created. The error is
// non-nil only when the whole batch was lost.
func (p *Pipeline) IngestBatch(ctx context.Context, events []models.TelemetryEvent) (BatchReport, error) {
	var report BatchReport
	res, err := p.deps.Store.AppendMany(ctx, events)
	if err != nil {
		return report, err
	}

	var (
		retry      []models.TelemetryEvent
		retryIndex []int
		months     = make(map[time.Time]struct{})
	)
	for _, f := range res.Failures {
		if !errors.Is(f.Err, db.ErrNoPartition) {
			report.Failures = append(report.Failures, f)
			continue
		}
		retry = append(retry, f.Event)
		retryIndex = append(retryIndex, f.Index)
		months[partition.MonthStart(f.Event.TS)] = struct{}{}
	}

	stored := res.Events
	if len(retry) > 0 {
		for month := range months {
			if perr := p.deps.Partitions.EnsureFor(ctx, month); perr != nil {
				p.logger.WithError(perr).WithField("month", month.Format("2006-01")).Warn("partition creation failed")
			}
		}
		again, err := p.deps.Store.AppendMany(ctx, retry)
		if err != nil {
			for i, e := range retry {
				report.Failures = append(report.Failures, telemetry.RowFailure{Index: retryIndex[i], Event: e, Err: err})
			}
		} else {
			for _, f := range again.Failures {
				f.Index = retryIndex[f.Index]
				report.Failures = append(report.Failures, f)
			}
			stored = append(stored, again.Events...)
			report.StoredAfterPartitions = again.Inserted
		}
	}

	report.Inserted = len(stored)
	for _, e := range stored {
		report.Alerts = append(report.Alerts, p.afterStore(ctx, e)...)
	}
	if len(report.Failures) > 0 {
		p.logger.WithFields(log.Fields{
			"inserted": report.Inserted,
			"failed":   len(report.Failures),
		}).Warn("telemetry batch partially failed")
	}
	return report, nil
}

func (p *Pipeline) afterStore(ctx context.Context, event models.TelemetryEvent) []models.AlertEvent {
	entry := p.logger.WithFields(log.Fields{"truck_id": event.TruckID, "device_id": event.DeviceID})

	if p.deps.Devices != nil {
		if err := p.deps.Devices.TouchDevice(ctx, event.DeviceID, event.TS); err != nil {
			entry.WithError(err).Debug("device last-seen update failed")
		}
	}

	var created []models.AlertEvent
	if p.deps.Alerts != nil {
		var err error
		created, err = p.deps.Alerts.Evaluate(ctx, event)
		if err != nil {
			entry.WithError(err).Warn("alert evaluation failed")
		}
	}

	if p.deps.Publisher != nil {
		p.publish(entry, ChannelTruckUpdates, event)
		p.publish(entry, TruckChannel(event.TruckID), event)
		for _, a := range created {
			p.publish(entry, ChannelAlerts, a)
		}
	}
	return created
}

func (p *Pipeline) publish(entry *log.Entry, channel string, payload interface{}) {
	if err := p.deps.Publisher.Publish(channel, payload); err != nil {
		entry.WithError(err).WithField("channel", channel).Debug("publish skipped")
	}
}
