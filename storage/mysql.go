package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDialect reads a Gadgetbridge export imported into MySQL.
type mysqlDialect struct{}

func (mysqlDialect) DriverName() string {
	return "mysql"
}

// ReadOnlyDSN 校验MySQL DSN
func (mysqlDialect) ReadOnlyDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	if cfg.DBName == "" {
		return "", errors.New("MySQL DSN has no database name")
	}
	cfg.Timeout = defaultTimeout(cfg.Timeout)
	return cfg.FormatDSN(), nil
}

func (mysqlDialect) Prepare(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "SET SESSION TRANSACTION READ ONLY")
	return err
}

func (mysqlDialect) Placeholder(int) string {
	return "?"
}

func (mysqlDialect) IsMissingSchema(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_NO_SUCH_TABLE, ER_BAD_FIELD_ERROR
		return myErr.Number == 1146 || myErr.Number == 1054
	}
	return false
}

func (mysqlDialect) IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1205, 1213, 2002, 2003, 2006, 2013:
			return true
		}
	}
	return false
}

func defaultTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
