package db

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrDatabaseUnavailable is fatal at startup and recoverable at runtime
	// through a health-check reconnect.
	ErrDatabaseUnavailable = errors.New("database unavailable")
	// ErrNoPartition means no telemetry partition covers the row's timestamp.
	ErrNoPartition = errors.New("no partition for timestamp")
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidEvent wraps validation failures raised before any SQL runs.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrDuplicateTable is returned when DDL targets an existing relation.
	ErrDuplicateTable = errors.New("relation already exists")
)

// Postgres SQLSTATE codes the store cares about.
const (
	codeCheckViolation  pq.ErrorCode = "23514"
	codeDuplicateTable  pq.ErrorCode = "42P07"
	codeUniqueViolation pq.ErrorCode = "23505"
)

// Catalog indexes hit when two sessions create the same relation at once. The
// losing CREATE fails with 23505 on one of these instead of 42P07.
var catalogIndexes = []string{"pg_type_typname_nsp_index", "pg_class_relname_nsp_index"}

// Translate maps driver errors onto the package taxonomy. The original error
// stays in the chain.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == codeCheckViolation && strings.Contains(pqErr.Message, "no partition"):
			return fmt.Errorf("%w: %w", ErrNoPartition, err)
		case pqErr.Code == codeDuplicateTable, pqErr.Code == codeUniqueViolation && isCatalogIndex(pqErr):
			return fmt.Errorf("%w: %w", ErrDuplicateTable, err)
		case pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P"):
			return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
		}
	}
	return err
}

func isCatalogIndex(pqErr *pq.Error) bool {
	for _, idx := range catalogIndexes {
		if pqErr.Constraint == idx || strings.Contains(pqErr.Message, idx) {
			return true
		}
	}
	return false
}
