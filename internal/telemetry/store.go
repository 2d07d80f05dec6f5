// Package telemetry is the append-only store for typed telemetry events on the
// month-partitioned telemetry_events table.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	insertEventSQL = `INSERT INTO telemetry_events
		(device_id, truck_id, kind, ts, latitude, longitude, position, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	selectEventColumns = `SELECT id, device_id, truck_id, kind, ts, payload FROM telemetry_events`

	selectRangeSQL = selectEventColumns + `
		WHERE truck_id = $1 AND kind = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC, id ASC`

	selectLatestSQL = selectEventColumns + `
		WHERE truck_id = $1 AND kind = $2
		ORDER BY ts DESC, id DESC
		LIMIT 1`

	selectBoxSQL = selectEventColumns + `
		WHERE kind = 'gps' AND ts >= $1 AND ts <= $2
		  AND latitude BETWEEN $3 AND $4
		  AND longitude BETWEEN $5 AND $6
		ORDER BY ts ASC, id ASC`

	savepoint = "row_insert"
)

// LatestCache is a read-through cache for the most recent event per (truck, kind).
type LatestCache interface {
	Get(ctx context.Context, truckID string, kind models.EventKind) (models.TelemetryEvent, bool, error)
	Offer(ctx context.Context, event models.TelemetryEvent) error
}

// Store writes and reads telemetry events.
type Store struct {
	pool   db.Pool
	cache  LatestCache
	logger *log.Entry
}

// NewStore creates a Store. cache may be nil.
func NewStore(pool db.Pool, cache LatestCache, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Store{
		pool:   pool,
		cache:  cache,
		logger: logger.WithField("component", "telemetry"),
	}
}

// Append validates and writes a single event, returning it with its assigned ID.
// A timestamp outside every existing partition yields an error wrapping
// db.ErrNoPartition; the row is not written and the caller may create the
// partition and retry.
func (s *Store) Append(ctx context.Context, event models.TelemetryEvent) (models.TelemetryEvent, error) {
	if err := event.Validate(); err != nil {
		metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), "invalid").Inc()
		return event, fmt.Errorf("%w: %v", db.ErrInvalidEvent, err)
	}
	args, err := insertArgs(event)
	if err != nil {
		return event, err
	}
	conn, err := s.pool.DB()
	if err != nil {
		return event, err
	}

	if err := conn.QueryRowContext(ctx, insertEventSQL, args...).Scan(&event.ID); err != nil {
		err = db.Translate(err)
		metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), outcomeLabel(err)).Inc()
		return event, fmt.Errorf("append %s event: %w", event.Kind(), err)
	}
	metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), "stored").Inc()
	s.offer(ctx, event)
	return event, nil
}

// RowFailure describes one rejected row of a batch.
type RowFailure struct {
	Index int
	Event models.TelemetryEvent
	Err   error
}

// BatchResult is the outcome of AppendMany. Events holds the inserted rows with
// their IDs, in input order.
type BatchResult struct {
	Inserted int
	Events   []models.TelemetryEvent
	Failures []RowFailure
}

// PartialBatchError reports per-row failures of a batch whose other rows were committed.
type PartialBatchError struct {
	Inserted int
	Failures []RowFailure
}

func (e *PartialBatchError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("row %d: %v", f.Index, f.Err))
	}
	return fmt.Sprintf("partial batch failure: %d inserted, %d failed (%s)",
		e.Inserted, len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the row errors to errors.Is.
func (e *PartialBatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Err returns a *PartialBatchError when any row failed, otherwise nil.
func (r BatchResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialBatchError{Inserted: r.Inserted, Failures: r.Failures}
}

// AppendMany writes a batch in one transaction with a savepoint per row, so a
// rejected row is rolled back alone and the rest are committed. Invalid events
// are rejected before any SQL runs. The error return is reserved for failures
// that lose the whole batch (no connection, begin or commit failure); per-row
// problems are reported in the result.
func (s *Store) AppendMany(ctx context.Context, events []models.TelemetryEvent) (BatchResult, error) {
	var result BatchResult
	type pending struct {
		index int
		event models.TelemetryEvent
		args  []interface{}
	}
	rows := make([]pending, 0, len(events))
	for i, event := range events {
		if err := event.Validate(); err != nil {
			metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), "invalid").Inc()
			result.Failures = append(result.Failures, RowFailure{Index: i, Event: event, Err: fmt.Errorf("%w: %v", db.ErrInvalidEvent, err)})
			continue
		}
		args, err := insertArgs(event)
		if err != nil {
			result.Failures = append(result.Failures, RowFailure{Index: i, Event: event, Err: err})
			continue
		}
		rows = append(rows, pending{index: i, event: event, args: args})
	}
	if len(rows) == 0 {
		return result, nil
	}

	conn, err := s.pool.DB()
	if err != nil {
		return result, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", db.Translate(err))
	}

	inserted := make([]models.TelemetryEvent, 0, len(rows))
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("savepoint: %w", db.Translate(err))
		}
		event := row.event
		if err := tx.QueryRowContext(ctx, insertEventSQL, row.args...).Scan(&event.ID); err != nil {
			err = db.Translate(err)
			metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), outcomeLabel(err)).Inc()
			result.Failures = append(result.Failures, RowFailure{Index: row.index, Event: event, Err: err})
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				_ = tx.Rollback()
				return BatchResult{Failures: result.Failures}, fmt.Errorf("rollback to savepoint: %w", db.Translate(rbErr))
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			_ = tx.Rollback()
			return result, fmt.Errorf("release savepoint: %w", db.Translate(err))
		}
		inserted = append(inserted, event)
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{Failures: result.Failures}, fmt.Errorf("commit batch: %w", db.Translate(err))
	}

	for _, event := range inserted {
		metrics.TelemetryAppended.WithLabelValues(string(event.Kind()), "stored").Inc()
		s.offer(ctx, event)
	}
	result.Inserted = len(inserted)
	result.Events = inserted
	sortFailures(result.Failures)
	if len(result.Failures) > 0 {
		s.logger.WithFields(log.Fields{
			"inserted": result.Inserted,
			"failed":   len(result.Failures),
		}).Warn("batch committed with row failures")
	}
	return result, nil
}

// RangeOption tunes QueryRange.
type RangeOption func(*rangeOptions)

type rangeOptions struct {
	dedupe bool
}

// WithDedupe drops repeated (device, ts) rows, which occur when a device
// retries a send. The first stored copy wins.
func WithDedupe() RangeOption {
	return func(o *rangeOptions) { o.dedupe = true }
}

// QueryRange lazily yields the truck's events of kind with from <= ts <= to,
// ascending by ts with ties in insertion order. The query runs when iteration
// starts; iteration stops at the first error.
func (s *Store) QueryRange(ctx context.Context, truckID string, kind models.EventKind, from, to time.Time, opts ...RangeOption) iter.Seq2[models.TelemetryEvent, error] {
	var o rangeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(yield func(models.TelemetryEvent, error) bool) {
		if !kind.IsValid() {
			yield(models.TelemetryEvent{}, fmt.Errorf("%w: unknown kind %q", db.ErrInvalidEvent, kind))
			return
		}
		if from.After(to) {
			yield(models.TelemetryEvent{}, fmt.Errorf("invalid range: from %s is after to %s", from, to))
			return
		}
		s.stream(ctx, yield, o, selectRangeSQL, truckID, string(kind), from.UTC(), to.UTC())
	}
}

// QueryBoundingBox lazily yields GPS events inside box with from <= ts <= to,
// using the stored numeric latitude and longitude.
func (s *Store) QueryBoundingBox(ctx context.Context, box models.BoundingBox, from, to time.Time) iter.Seq2[models.TelemetryEvent, error] {
	return func(yield func(models.TelemetryEvent, error) bool) {
		if err := box.Validate(); err != nil {
			yield(models.TelemetryEvent{}, err)
			return
		}
		if from.After(to) {
			yield(models.TelemetryEvent{}, fmt.Errorf("invalid range: from %s is after to %s", from, to))
			return
		}
		s.stream(ctx, yield, rangeOptions{}, selectBoxSQL,
			from.UTC(), to.UTC(), box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	}
}

func (s *Store) stream(ctx context.Context, yield func(models.TelemetryEvent, error) bool, o rangeOptions, query string, args ...interface{}) {
	conn, err := s.pool.DB()
	if err != nil {
		yield(models.TelemetryEvent{}, err)
		return
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		yield(models.TelemetryEvent{}, db.Translate(err))
		return
	}
	defer rows.Close()

	var (
		currentTS time.Time
		seen      map[string]struct{}
	)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			yield(models.TelemetryEvent{}, err)
			return
		}
		if o.dedupe {
			if !event.TS.Equal(currentTS) {
				currentTS = event.TS
				seen = make(map[string]struct{})
			}
			if _, dup := seen[event.DeviceID]; dup {
				continue
			}
			seen[event.DeviceID] = struct{}{}
		}
		if !yield(event, nil) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(models.TelemetryEvent{}, db.Translate(err))
	}
}

// Latest returns the most recent event of kind for the truck, or an error
// wrapping db.ErrNotFound.
func (s *Store) Latest(ctx context.Context, truckID string, kind models.EventKind) (models.TelemetryEvent, error) {
	if s.cache != nil {
		event, ok, err := s.cache.Get(ctx, truckID, kind)
		switch {
		case err != nil:
			s.logger.WithError(err).WithField("truck_id", truckID).Warn("latest cache lookup failed")
		case ok:
			return event, nil
		}
	}

	conn, err := s.pool.DB()
	if err != nil {
		return models.TelemetryEvent{}, err
	}
	rows, err := conn.QueryContext(ctx, selectLatestSQL, truckID, string(kind))
	if err != nil {
		return models.TelemetryEvent{}, db.Translate(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.TelemetryEvent{}, db.Translate(err)
		}
		return models.TelemetryEvent{}, fmt.Errorf("latest %s for truck %s: %w", kind, truckID, db.ErrNotFound)
	}
	event, err := scanEvent(rows)
	if err != nil {
		return models.TelemetryEvent{}, err
	}
	s.offer(ctx, event)
	return event, nil
}

// Collect drains a query sequence into a slice.
func Collect(seq iter.Seq2[models.TelemetryEvent, error]) ([]models.TelemetryEvent, error) {
	var out []models.TelemetryEvent
	for event, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *Store) offer(ctx context.Context, event models.TelemetryEvent) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Offer(ctx, event); err != nil {
		s.logger.WithError(err).WithField("truck_id", event.TruckID).Warn("latest cache update failed")
	}
}

// insertArgs dispatches per kind: GPS fixes fill the numeric coordinate
// columns and the point column (x = longitude, y = latitude); every kind
// stores its payload as JSONB.
func insertArgs(event models.TelemetryEvent) ([]interface{}, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", db.ErrInvalidEvent, err)
	}
	var lat, lon sql.NullFloat64
	var position sql.NullString
	if gps, ok := event.Payload.(models.GPSPosition); ok {
		lat = sql.NullFloat64{Float64: gps.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: gps.Longitude, Valid: true}
		position = sql.NullString{String: pointLiteral(gps.Longitude, gps.Latitude), Valid: true}
	}
	return []interface{}{
		event.DeviceID,
		event.TruckID,
		string(event.Kind()),
		event.TS.UTC(),
		lat,
		lon,
		position,
		string(payload),
	}, nil
}

func pointLiteral(x, y float64) string {
	return "(" + strconv.FormatFloat(x, 'f', -1, 64) + "," + strconv.FormatFloat(y, 'f', -1, 64) + ")"
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (models.TelemetryEvent, error) {
	var (
		event   models.TelemetryEvent
		kind    string
		payload []byte
	)
	if err := row.Scan(&event.ID, &event.DeviceID, &event.TruckID, &kind, &event.TS, &payload); err != nil {
		return event, db.Translate(err)
	}
	p, err := models.DecodePayload(models.EventKind(kind), payload)
	if err != nil {
		return event, fmt.Errorf("event %d: %w", event.ID, err)
	}
	event.Payload = p
	event.TS = event.TS.UTC()
	return event, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, db.ErrNoPartition):
		return "no_partition"
	case errors.Is(err, db.ErrDatabaseUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// validation failures are collected before SQL failures
func sortFailures(failures []RowFailure) {
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
}
