package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DatabaseType
type DatabaseType string

const (
	// SQLite is the Gadgetbridge export format
	SQLite DatabaseType = "sqlite"
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// Dialect hides the driver specific parts of a read-only session.
type Dialect interface {
	// DriverName is the database/sql driver to open.
	DriverName() string
	// ReadOnlyDSN turns the configured source into a DSN that cannot write.
	ReadOnlyDSN(source string) (string, error)
	// Prepare runs per-connection statements before any query.
	Prepare(ctx context.Context, conn *sql.Conn) error
	// Placeholder returns the bind parameter for position n, starting at 1.
	Placeholder(n int) string
	// IsMissingSchema reports a missing table or column.
	IsMissingSchema(err error) bool
	// IsTransient reports lock, busy or connection errors worth a later retry.
	IsTransient(err error) bool
}

// NewDialect returns the dialect for dbType. busyTimeout only applies to sqlite.
func NewDialect(dbType string, busyTimeout time.Duration) (Dialect, error) {
	switch DatabaseType(strings.ToLower(dbType)) {
	case SQLite, "":
		return &sqliteDialect{busyTimeout: busyTimeout}, nil
	case MySQL:
		return mysqlDialect{}, nil
	case PostgreSQL, "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// NewDatabaseReader creates a read-only snapshot reader. source is a file path
// for sqlite and a DSN for the server dialects.
func NewDatabaseReader(dbType, source string, busyTimeout time.Duration, sources Sources) (*DatabaseReader, error) {
	dialect, err := NewDialect(dbType, busyTimeout)
	if err != nil {
		return nil, err
	}

	return &DatabaseReader{
		dialect:     dialect,
		source:      source,
		sources:     sources,
		deviceTable: "DEVICE",
		now:         time.Now,
	}, nil
}
