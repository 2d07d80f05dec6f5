// Package alerts derives alert records from telemetry threshold breaches and
// manages their acknowledge/resolve lifecycle.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const (
	// alert_events_open_uniq makes the conflict target atomic across writers
	insertAlertSQL = `INSERT INTO alert_events (truck_id, device_id, type, severity, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (truck_id, type) WHERE resolved_at IS NULL DO NOTHING
		RETURNING id, created_at`

	resolveAlertSQL = `UPDATE alert_events SET resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL`

	acknowledgeAlertSQL = `UPDATE alert_events
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = now()
		WHERE id = $1 AND NOT acknowledged`

	alertExistsSQL = `SELECT EXISTS (SELECT 1 FROM alert_events WHERE id = $1)`

	selectAlertColumns = `SELECT id, truck_id, device_id, type, severity, detail, occurred_at,
		acknowledged, acknowledged_by, resolved_at, created_at FROM alert_events`

	severityOrder = `CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

	defaultListLimit = 100
)

// Engine evaluates telemetry against thresholds and persists alerts.
type Engine struct {
	pool       db.Pool
	thresholds Thresholds
	logger     *log.Entry
}

// NewEngine creates an Engine.
func NewEngine(pool db.Pool, thresholds Thresholds, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Engine{
		pool:       pool,
		thresholds: thresholds,
		logger:     logger.WithField("component", "alerts"),
	}
}

// Thresholds returns the configured limits.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Evaluate checks a stored event against the thresholds and creates an alert
// per breach, unless an unresolved alert of the same (truck, type) exists, in
// which case the breach is suppressed silently. It returns the alerts created.
func (e *Engine) Evaluate(ctx context.Context, event models.TelemetryEvent) ([]models.AlertEvent, error) {
	breaches := Breaches(e.thresholds, event)
	if len(breaches) == 0 {
		return nil, nil
	}
	conn, err := e.pool.DB()
	if err != nil {
		return nil, err
	}

	var (
		created []models.AlertEvent
		errs    []error
	)
	for _, b := range breaches {
		detail, err := json.Marshal(b.Detail)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s detail: %w", b.Type, err))
			continue
		}
		alert := models.AlertEvent{
			TruckID:    event.TruckID,
			DeviceID:   event.DeviceID,
			Type:       b.Type,
			Severity:   b.Severity,
			Detail:     detail,
			OccurredAt: event.TS.UTC(),
		}
		err = conn.QueryRowContext(ctx, insertAlertSQL,
			alert.TruckID, nullString(alert.DeviceID), string(alert.Type), string(alert.Severity), string(detail), alert.OccurredAt,
		).Scan(&alert.ID, &alert.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			metrics.AlertsSuppressed.WithLabelValues(string(b.Type)).Inc()
			e.logger.WithFields(log.Fields{"truck_id": event.TruckID, "type": b.Type}).
				Debug("breach suppressed, unresolved alert exists")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s alert: %w", b.Type, db.Translate(err)))
			continue
		}
		metrics.AlertsCreated.WithLabelValues(string(b.Type), string(b.Severity)).Inc()
		e.logger.WithFields(log.Fields{
			"truck_id": event.TruckID,
			"type":     b.Type,
			"severity": b.Severity,
			"alert_id": alert.ID,
		}).Info("alert created")
		created = append(created, alert)
	}
	return created, errors.Join(errs...)
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (e *Engine) Resolve(ctx context.Context, id int64) error {
	return e.transition(ctx, "resolve", id, resolveAlertSQL, id)
}

// Acknowledge marks an alert as seen by userID. Acknowledging twice is a no-op
// and keeps the first acknowledger.
func (e *Engine) Acknowledge(ctx context.Context, id int64, userID string) error {
	return e.transition(ctx, "acknowledge", id, acknowledgeAlertSQL, id, userID)
}

func (e *Engine) transition(ctx context.Context, op string, id int64, query string, args ...interface{}) error {
	conn, err := e.pool.DB()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s alert %d: %w", op, id, db.Translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s alert %d: %w", op, id, err)
	}
	if n > 0 {
		e.logger.WithField("alert_id", id).Infof("alert %sd", op)
		return nil
	}

	// nothing changed: either already in the target state or missing
	var exists bool
	if err := conn.QueryRowContext(ctx, alertExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s alert %d: %w", op, id, db.Translate(err))
	}
	if !exists {
		return fmt.Errorf("%s alert %d: %w", op, id, db.ErrNotFound)
	}
	return nil
}

// Get returns one alert by ID.
func (e *Engine) Get(ctx context.Context, id int64) (models.AlertEvent, error) {
	conn, err := e.pool.DB()
	if err != nil {
		return models.AlertEvent{}, err
	}
	alert, err := scanAlert(conn.QueryRowContext(ctx, selectAlertColumns+` WHERE id = $1`, id))
	if err != nil {
		return models.AlertEvent{}, fmt.Errorf("get alert %d: %w", id, err)
	}
	return alert, nil
}

// Filter narrows List.
type Filter struct {
	TruckID        string
	UnresolvedOnly bool
	Limit          int
}

// List returns alerts ordered by severity (critical first), then most recent first.
func (e *Engine) List(ctx context.Context, f Filter) ([]models.AlertEvent, error) {
	conn, err := e.pool.DB()
	if err != nil {
		return nil, err
	}
	query, args := listQuery(f)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", db.Translate(err))
	}
	defer rows.Close()

	var out []models.AlertEvent
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func listQuery(f Filter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if f.TruckID != "" {
		args = append(args, f.TruckID)
		where = append(where, "truck_id = $"+strconv.Itoa(len(args)))
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var sb strings.Builder
	sb.WriteString(selectAlertColumns)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	sb.WriteString(" ORDER BY " + severityOrder + " DESC, occurred_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)))
	return sb.String(), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (models.AlertEvent, error) {
	var (
		alert          models.AlertEvent
		deviceID       sql.NullString
		alertType      string
		severity       string
		detail         []byte
		acknowledgedBy sql.NullString
		resolvedAt     sql.NullTime
	)
	err := row.Scan(&alert.ID, &alert.TruckID, &deviceID, &alertType, &severity, &detail,
		&alert.OccurredAt, &alert.Acknowledged, &acknowledgedBy, &resolvedAt, &alert.CreatedAt)
	if err != nil {
		return alert, db.Translate(err)
	}
	alert.DeviceID = deviceID.String
	alert.Type = models.AlertType(alertType)
	alert.Severity = models.Severity(severity)
	if len(detail) > 0 {
		alert.Detail = detail
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	return alert, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
