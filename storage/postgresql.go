package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// postgresDialect reads a Gadgetbridge export imported into PostgreSQL.
type postgresDialect struct{}

func (postgresDialect) DriverName() string {
	return "postgres"
}

func (postgresDialect) ReadOnlyDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("PostgreSQL DSN is empty")
	}
	if _, err := pq.NewConnector(dsn); err != nil {
		return "", fmt.Errorf("invalid PostgreSQL DSN: %w", err)
	}
	return dsn, nil
}

func (postgresDialect) Prepare(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY")
	return err
}

func (postgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) IsMissingSchema(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// undefined_table, undefined_column
		return pqErr.Code == "42P01" || pqErr.Code == "42703"
	}
	return false
}

func (postgresDialect) IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03":
			return true
		}
	}
	return false
}
