package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteDialect opens the Gadgetbridge export file in read-only URI mode with
// query_only set, so no statement can modify the file.
type sqliteDialect struct {
	busyTimeout time.Duration
}

func (d *sqliteDialect) DriverName() string {
	return "sqlite"
}

func (d *sqliteDialect) ReadOnlyDSN(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite database path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("database file %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("database path %s is a directory", path)
	}

	timeout := d.busyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("database path %s: %w", path, err)
	}

	// 路径需要转义, 否则 '#' '?' '%' 会截断 URI 参数
	escaped := (&url.URL{Path: filepath.ToSlash(abs)}).EscapedPath()
	return fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)&_pragma=query_only(1)",
		escaped, timeout.Milliseconds()), nil
}

func (d *sqliteDialect) Prepare(ctx context.Context, conn *sql.Conn) error {
	return conn.PingContext(ctx)
}

func (d *sqliteDialect) Placeholder(int) string {
	return "?"
}

func (d *sqliteDialect) IsMissingSchema(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}

func (d *sqliteDialect) IsTransient(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_PROTOCOL, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
