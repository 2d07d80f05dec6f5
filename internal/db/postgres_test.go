package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingMock(t *testing.T, pingErr error) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	exp := mock.ExpectPing()
	if pingErr != nil {
		exp.WillReturnError(pingErr)
	}
	return mockDB, mock
}

// sequenceOpener hands out the given pools in order, one per dial attempt.
func sequenceOpener(dbs ...*sql.DB) (func(string) (*sql.DB, error), *int32) {
	var calls int32
	return func(string) (*sql.DB, error) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) > len(dbs) {
			return nil, errors.New("no more pools")
		}
		return dbs[n-1], nil
	}, &calls
}

func TestManager_ConnectFirstAttempt(t *testing.T) {
	mockDB, mock := newPingMock(t, nil)
	m := NewManager(PostgresConfig{DSN: "postgres://test", MaxOpenConns: 4}, nil)
	m.open, _ = sequenceOpener(mockDB)

	require.NoError(t, m.Connect(context.Background(), 3, time.Millisecond))

	db, err := m.DB()
	require.NoError(t, err)
	assert.Same(t, mockDB, db)
	assert.Equal(t, HealthHealthy, m.Status())
	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ConnectRetriesWithBackoff(t *testing.T) {
	bad1, _ := newPingMock(t, errors.New("connection refused"))
	bad2, _ := newPingMock(t, errors.New("connection refused"))
	good, goodMock := newPingMock(t, nil)

	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	var calls *int32
	m.open, calls = sequenceOpener(bad1, bad2, good)

	start := time.Now()
	require.NoError(t, m.Connect(context.Background(), 5, 20*time.Millisecond))
	elapsed := time.Since(start)

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	// 20ms then 30ms
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.NoError(t, goodMock.ExpectationsWereMet())
}

func TestManager_ConnectGivesUp(t *testing.T) {
	var calls int32
	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	m.open = func(string) (*sql.DB, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("dns failure")
	}

	err := m.Connect(context.Background(), 4, time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatabaseUnavailable))
	assert.Contains(t, err.Error(), "4 attempts")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, HealthUnhealthy, m.Status())

	_, err = m.DB()
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
}

func TestManager_ConnectStopsOnCancel(t *testing.T) {
	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	m.open = func(string) (*sql.DB, error) { return nil, errors.New("refused") }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Connect(ctx, 10, time.Second)
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestManager_HealthCheckHealthy(t *testing.T) {
	mockDB, mock := newPingMock(t, nil)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	m.open, _ = sequenceOpener(mockDB)
	require.NoError(t, m.Connect(context.Background(), 1, time.Millisecond))

	assert.Equal(t, HealthHealthy, m.HealthCheck(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_HealthCheckRecovers(t *testing.T) {
	first, firstMock := newPingMock(t, nil)
	firstMock.ExpectQuery("SELECT 1").WillReturnError(sql.ErrConnDone)
	second, secondMock := newPingMock(t, nil)

	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	m.reconnectDelay = time.Millisecond
	m.open, _ = sequenceOpener(first, second)
	require.NoError(t, m.Connect(context.Background(), 1, time.Millisecond))

	assert.Equal(t, HealthRecovered, m.HealthCheck(context.Background()))
	assert.Equal(t, HealthRecovered, m.Status())

	db, err := m.DB()
	require.NoError(t, err)
	assert.Same(t, second, db)
	require.NoError(t, secondMock.ExpectationsWereMet())
}

func TestManager_HealthCheckUnhealthy(t *testing.T) {
	first, firstMock := newPingMock(t, nil)
	firstMock.ExpectQuery("SELECT 1").WillReturnError(sql.ErrConnDone)

	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	m.reconnectDelay = time.Millisecond
	var calls *int32
	m.open, calls = sequenceOpener(first)
	require.NoError(t, m.Connect(context.Background(), 1, time.Millisecond))

	assert.Equal(t, HealthUnhealthy, m.HealthCheck(context.Background()))
	// one initial dial plus three bounded reconnect attempts
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	mockDB, mock := newPingMock(t, nil)
	mock.ExpectClose()

	m := NewManager(PostgresConfig{DSN: "postgres://test"}, nil)
	var calls *int32
	m.open, calls = sequenceOpener(mockDB)
	require.NoError(t, m.Connect(context.Background(), 1, time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Disconnect()
		}()
	}
	wg.Wait()
	m.Disconnect()

	_, err := m.DB()
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())

	// a closed manager does not dial again from a health check
	assert.Equal(t, HealthUnhealthy, m.HealthCheck(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestManager_DisconnectWithoutConnect(t *testing.T) {
	m := NewManager(PostgresConfig{}, nil)
	assert.NotPanics(t, m.Disconnect)
}
