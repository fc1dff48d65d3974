package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
)

// DatabaseReader reads the latest rows from the datastore. Every Read opens
// its own read-only connection and closes it before returning.
type DatabaseReader struct {
	dialect     Dialect
	source      string
	sources     Sources
	deviceTable string
	now         func() time.Time
}

// Read implements Reader
func (r *DatabaseReader) Read(ctx context.Context) (*Snapshot, error) {
	dsn, err := r.dialect.ReadOnlyDSN(r.source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatastoreUnavailable, err)
	}

	db, err := sql.Open(r.dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrDatastoreUnavailable, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrDatastoreUnavailable, err)
	}
	defer conn.Close()

	if err := r.dialect.Prepare(ctx, conn); err != nil {
		return nil, fmt.Errorf("%w: prepare session: %w", ErrDatastoreUnavailable, err)
	}

	devices, err := r.readDevices(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrDatastoreUnavailable, r.deviceTable, err)
	}

	snapshot := &Snapshot{Devices: devices}
	now := r.now()

	queries := r.sources.Queries()
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Kind < queries[j].Kind })

	for _, q := range queries {
		if err := q.Validate(); err != nil {
			logger.Warn("skipping query: %v", err)
			continue
		}

		var rows []RawRow
		if q.Aggregate != nil {
			rows, err = r.readAggregate(ctx, conn, q, now)
		} else {
			rows, err = r.readLatest(ctx, conn, q)
		}

		switch {
		case err == nil:
			snapshot.Rows = append(snapshot.Rows, rows...)
		case r.dialect.IsMissingSchema(err):
			logger.Debug("table %s not present for %s, skipping", q.Table, q.Kind)
		case r.dialect.IsTransient(err) || ctx.Err() != nil:
			return nil, fmt.Errorf("%w: query %s: %w", ErrDatastoreUnavailable, q.Kind, err)
		default:
			logger.Warn("failed to read %s from %s: %v", q.Kind, q.Table, err)
		}
	}

	return snapshot, nil
}

func (r *DatabaseReader) readDevices(ctx context.Context, conn *sql.Conn) ([]DeviceRow, error) {
	rows, err := conn.QueryContext(ctx, "SELECT * FROM "+r.deviceTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []DeviceRow
	err = scanColumns(rows, func(cols map[string]interface{}) {
		id, ok := AsInt64(cols["_ID"])
		if !ok {
			return
		}
		d := DeviceRow{RowID: id}
		d.Name, _ = AsString(cols["NAME"])
		d.Alias, _ = AsString(cols["ALIAS"])
		d.Manufacturer, _ = AsString(cols["MANUFACTURER"])
		d.Model, _ = AsString(cols["MODEL"])
		d.Identifier, _ = AsString(cols["IDENTIFIER"])
		devices = append(devices, d)
	})
	return devices, err
}

// readLatest selects the most recent row per device. Ties on the timestamp
// keep the first row returned.
func (r *DatabaseReader) readLatest(ctx context.Context, conn *sql.Conn, q Query) ([]RawRow, error) {
	query := fmt.Sprintf(
		"SELECT t.* FROM %[1]s t JOIN (SELECT %[2]s AS dev, MAX(%[3]s) AS ts FROM %[1]s GROUP BY %[2]s) m "+
			"ON t.%[2]s = m.dev AND t.%[3]s = m.ts ORDER BY t.%[2]s",
		q.Table, q.DeviceColumn, q.TimestampColumn)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devCol := strings.ToUpper(q.DeviceColumn)
	tsCol := strings.ToUpper(q.TimestampColumn)
	seen := make(map[int64]bool)

	var out []RawRow
	err = scanColumns(rows, func(cols map[string]interface{}) {
		dev, ok := AsInt64(cols[devCol])
		if !ok || seen[dev] {
			return
		}
		ts, ok := AsInt64(cols[tsCol])
		if !ok {
			logger.Debug("dropping %s row for device %d: bad timestamp %v", q.Kind, dev, cols[tsCol])
			return
		}
		seen[dev] = true
		out = append(out, RawRow{
			Kind:      q.Kind,
			DeviceRef: dev,
			Timestamp: q.Unit.Time(ts),
			Columns:   cols,
		})
	})
	return out, err
}

// readAggregate sums q.Aggregate.SumColumn per device for each window and
// emits one row per device holding all windows.
func (r *DatabaseReader) readAggregate(ctx context.Context, conn *sql.Conn, q Query, now time.Time) ([]RawRow, error) {
	query := fmt.Sprintf("SELECT %[1]s, SUM(%[2]s) FROM %[3]s WHERE %[4]s >= %[5]s GROUP BY %[1]s",
		q.DeviceColumn, q.Aggregate.SumColumn, q.Table, q.TimestampColumn, r.dialect.Placeholder(1))

	totals := make(map[int64]map[string]interface{})
	var order []int64

	for _, w := range q.Aggregate.Windows {
		start := q.Unit.Raw(w.Start(now))
		rows, err := conn.QueryContext(ctx, query, start)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var dev, sum interface{}
			if err := rows.Scan(&dev, &sum); err != nil {
				rows.Close()
				return nil, err
			}
			id, ok := AsInt64(normalizeValue(dev))
			if !ok {
				continue
			}
			if _, exists := totals[id]; !exists {
				totals[id] = make(map[string]interface{})
				order = append(order, id)
			}
			totals[id][w.Column] = normalizeValue(sum)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]RawRow, 0, len(order))
	for _, id := range order {
		cols := totals[id]
		for _, w := range q.Aggregate.Windows {
			// a device active this month but not today has a zero daily sum
			if _, ok := cols[w.Column]; !ok {
				cols[w.Column] = int64(0)
			}
		}
		out = append(out, RawRow{Kind: q.Kind, DeviceRef: id, Timestamp: now, Columns: cols})
	}
	return out, nil
}

// scanColumns scans every row into a map keyed by upper-case column name.
func scanColumns(rows *sql.Rows, fn func(map[string]interface{})) error {
	names, err := rows.Columns()
	if err != nil {
		return err
	}

	values := make([]interface{}, len(names))
	ptrs := make([]interface{}, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		cols := make(map[string]interface{}, len(names))
		for i, name := range names {
			cols[strings.ToUpper(name)] = normalizeValue(values[i])
		}
		fn(cols)
	}
	return rows.Err()
}
