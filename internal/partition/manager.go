// Package partition keeps monthly range partitions of the telemetry table
// ahead of the write horizon.
package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
)

// DefaultParent is the partitioned telemetry table.
const DefaultParent = "telemetry_events"

// Partition is one calendar month of the parent table, covering [Start, End) in UTC.
type Partition struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the half-open range.
func (p Partition) Contains(ts time.Time) bool {
	return !ts.Before(p.Start) && ts.Before(p.End)
}

// Outcome is the result of ensuring a single partition.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeExists  Outcome = "exists"
	OutcomeFailed  Outcome = "failed"
)

// Result reports what happened to one partition.
type Result struct {
	Partition Partition
	Outcome   Outcome
	Err       error
}

// Report collects per-partition results of an EnsurePartitions run.
type Report struct {
	Results []Result
}

// Created returns the partitions that were newly created.
func (r Report) Created() []Partition { return r.filter(OutcomeCreated) }

// Existing returns the partitions that were already present.
func (r Report) Existing() []Partition { return r.filter(OutcomeExists) }

// Failed returns the results whose creation failed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-partition failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Partition.Name, res.Err))
	}
	return errors.Join(errs...)
}

func (r Report) filter(o Outcome) []Partition {
	var out []Partition
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.Partition)
		}
	}
	return out
}

// Manager creates monthly partitions of a range-partitioned table.
type Manager struct {
	pool   db.Pool
	parent string
	logger *log.Entry
}

// NewManager returns a Manager for parent (DefaultParent when empty).
func NewManager(pool db.Pool, parent string, logger *log.Entry) *Manager {
	if parent == "" {
		parent = DefaultParent
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Manager{
		pool:   pool,
		parent: parent,
		logger: logger.WithField("component", "partition"),
	}
}

// MonthStart truncates t to the first instant of its UTC calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Name returns the partition identifier for the month starting at start, for
// example telemetry_events_y2024m12. Zero-padded months keep names sortable.
func Name(parent string, start time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", parent, start.Year(), int(start.Month()))
}

// Plan returns monthsAhead+1 contiguous monthly partitions starting at the month
// containing ref.
func Plan(parent string, ref time.Time, monthsAhead int) []Partition {
	start := MonthStart(ref)
	parts := make([]Partition, 0, monthsAhead+1)
	for i := 0; i <= monthsAhead; i++ {
		end := start.AddDate(0, 1, 0)
		parts = append(parts, Partition{Name: Name(parent, start), Start: start, End: end})
		start = end
	}
	return parts
}

// EnsurePartitions creates any missing partitions for the month of ref through
// monthsAhead months later. An existing partition is a logged no-op; any other
// failure is recorded for that partition and the remaining ones are still
// attempted. The returned error is non-nil only when the run could not start.
func (m *Manager) EnsurePartitions(ctx context.Context, ref time.Time, monthsAhead int) (Report, error) {
	if monthsAhead < 0 {
		return Report{}, fmt.Errorf("monthsAhead must be >= 0, got %d", monthsAhead)
	}
	conn, err := m.pool.DB()
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, p := range Plan(m.parent, ref, monthsAhead) {
		entry := m.logger.WithFields(log.Fields{
			"partition": p.Name,
			"start":     p.Start.Format(time.RFC3339),
			"end":       p.End.Format(time.RFC3339),
		})

		_, err := conn.ExecContext(ctx, m.createStatement(p))
		err = db.Translate(err)
		switch {
		case err == nil:
			entry.Info("partition created")
			report.Results = append(report.Results, Result{Partition: p, Outcome: OutcomeCreated})
			metrics.PartitionsEnsured.WithLabelValues(string(OutcomeCreated)).Inc()
		case errors.Is(err, db.ErrDuplicateTable):
			entry.Debug("partition already exists")
			report.Results = append(report.Results, Result{Partition: p, Outcome: OutcomeExists})
			metrics.PartitionsEnsured.WithLabelValues(string(OutcomeExists)).Inc()
		default:
			entry.WithError(err).Error("partition creation failed")
			report.Results = append(report.Results, Result{Partition: p, Outcome: OutcomeFailed, Err: err})
			metrics.PartitionsEnsured.WithLabelValues(string(OutcomeFailed)).Inc()
		}
	}
	return report, nil
}

// EnsureFor creates the partition containing ts. Writers call it after an
// insert is rejected for lack of a partition.
func (m *Manager) EnsureFor(ctx context.Context, ts time.Time) error {
	report, err := m.EnsurePartitions(ctx, ts, 0)
	if err != nil {
		return err
	}
	return report.Err()
}

// ListPartitions returns the attached partitions of the parent table, sorted by name.
func (m *Manager) ListPartitions(ctx context.Context) ([]string, error) {
	conn, err := m.pool.DB()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname`, m.parent)
	if err != nil {
		return nil, db.Translate(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Run ensures the horizon immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration, monthsAhead int) {
	m.tick(ctx, monthsAhead)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, monthsAhead)
		}
	}
}

func (m *Manager) tick(ctx context.Context, monthsAhead int) {
	report, err := m.EnsurePartitions(ctx, time.Now(), monthsAhead)
	if err != nil {
		m.logger.WithError(err).Warn("partition maintenance skipped")
		return
	}
	if len(report.Created()) > 0 || len(report.Failed()) > 0 {
		m.logger.WithFields(log.Fields{
			"created": len(report.Created()),
			"failed":  len(report.Failed()),
		}).Info("partition maintenance finished")
	}
}

func (m *Manager) createStatement(p Partition) string {
	return fmt.Sprintf("CREATE TABLE %s PARTITION OF %s FOR VALUES FROM (%s) TO (%s)",
		pq.QuoteIdentifier(p.Name),
		pq.QuoteIdentifier(m.parent),
		pq.QuoteLiteral(p.Start.Format(time.RFC3339)),
		pq.QuoteLiteral(p.End.Format(time.RFC3339)),
	)
}
