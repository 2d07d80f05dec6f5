package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// HealthStatus is the outcome of a liveness probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthRecovered HealthStatus = "recovered"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	backoffFactor       = 1.5
	pingTimeout         = 5 * time.Second
	healthRetries       = 3
	healthInitialDelay  = time.Second
	defaultConnLifetime = 30 * time.Minute
)

// Pool hands out the connection pool that is current at call time. Callers must
// not cache the returned handle across operations; it is replaced on reconnect.
type Pool interface {
	DB() (*sql.DB, error)
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Manager owns the Postgres pool lifecycle. Connect and Disconnect are serialized;
// queries run concurrently on the pool up to MaxOpenConns.
type Manager struct {
	cfg    PostgresConfig
	logger *log.Entry

	// swapped in tests
	open           func(dsn string) (*sql.DB, error)
	reconnectDelay time.Duration

	mu     sync.Mutex
	closed bool
	pool   atomic.Pointer[sql.DB]
	status atomic.Value
}

// NewManager creates a Manager. Nothing is dialed until Connect.
func NewManager(cfg PostgresConfig, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger.WithField("component", "db"),
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
		reconnectDelay: healthInitialDelay,
	}
	m.status.Store(HealthUnhealthy)
	return m
}

// Connect dials Postgres, retrying with exponential backoff. maxRetries is the
// total number of attempts; the delay grows by 1.5x after each failure. It
// returns an error wrapping ErrDatabaseUnavailable once attempts are exhausted.
func (m *Manager) Connect(ctx context.Context, maxRetries int, initialDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return m.connectLocked(ctx, maxRetries, initialDelay)
}

func (m *Manager) connectLocked(ctx context.Context, maxRetries int, initialDelay time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}
	delay := initialDelay
	var lastErr error
	attempt := 0
	for attempt < maxRetries {
		attempt++
		db, err := m.dial(ctx)
		if err == nil {
			if old := m.pool.Swap(db); old != nil {
				_ = old.Close()
			}
			m.status.Store(HealthHealthy)
			m.logger.WithField("attempt", attempt).Info("connected to postgres")
			return nil
		}
		lastErr = err
		m.logger.WithFields(log.Fields{
			"attempt":      attempt,
			"max_attempts": maxRetries,
			"retry_in":     delay.String(),
		}).WithError(err).Warn("postgres connection attempt failed")

		if attempt == maxRetries {
			break
		}
		if err := sleepContext(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay = time.Duration(float64(delay) * backoffFactor)
	}
	m.status.Store(HealthUnhealthy)
	return fmt.Errorf("%w: gave up after %d attempts: %v", ErrDatabaseUnavailable, attempt, lastErr)
}

func (m *Manager) dial(ctx context.Context) (*sql.DB, error) {
	db, err := m.open(m.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if m.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	}
	if m.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	}
	lifetime := m.cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnLifetime
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// DB returns the live pool or ErrDatabaseUnavailable.
func (m *Manager) DB() (*sql.DB, error) {
	if db := m.pool.Load(); db != nil {
		return db, nil
	}
	return nil, ErrDatabaseUnavailable
}

// Status returns the last observed health.
func (m *Manager) Status() HealthStatus {
	return m.status.Load().(HealthStatus)
}

// HealthCheck runs a liveness query. On failure it attempts a bounded reconnect
// (3 attempts, 1s initial delay) and reports healthy, recovered or unhealthy.
// It never returns an error; state is observable only through the status.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	probed := m.pool.Load()
	if probed != nil {
		err := probe(ctx, probed)
		if err == nil {
			m.status.Store(HealthHealthy)
			return HealthHealthy
		}
		m.logger.WithError(err).Warn("postgres liveness query failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.status.Store(HealthUnhealthy)
		return HealthUnhealthy
	}
	// another caller may have reconnected while we waited for the lock
	if current := m.pool.Load(); current != nil && current != probed {
		if err := probe(ctx, current); err == nil {
			m.status.Store(HealthRecovered)
			return HealthRecovered
		}
	}
	if err := m.connectLocked(ctx, healthRetries, m.reconnectDelay); err != nil {
		m.logger.WithError(err).Error("postgres reconnect failed")
		return HealthUnhealthy
	}
	m.status.Store(HealthRecovered)
	m.logger.Info("postgres connection recovered")
	return HealthRecovered
}

// Monitor runs HealthCheck every interval until ctx is done.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration, onStatus func(HealthStatus)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := m.HealthCheck(ctx)
			if onStatus != nil {
				onStatus(status)
			}
		}
	}
}

// Disconnect closes the pool. It is idempotent and safe to call from several
// shutdown paths at once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.status.Store(HealthUnhealthy)
	db := m.pool.Swap(nil)
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		m.logger.WithError(err).Warn("error closing postgres pool")
		return
	}
	m.logger.Info("postgres pool closed")
}

func probe(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
