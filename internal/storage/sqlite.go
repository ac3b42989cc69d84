//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "testrig/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendInvocation(ctx context.Context, rec InvocationRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	var startedMS int64
	if !rec.StartedAt.IsZero() {
		startedMS = rec.StartedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(at_ms, invocation_id, command_id, command_line, serials, outcome, err, started_ms, elapsed_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.At.UnixMilli(), rec.InvocationID, rec.CommandID, rec.CommandLine,
		strings.Join(rec.Serials, ","), rec.Outcome, nullStr(rec.Error),
		startedMS, rec.ElapsedMS,
	)
	return err
}

func (s *sqliteStore) ListInvocations(ctx context.Context, q InvocationQuery) ([]InvocationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query := `SELECT at_ms, invocation_id, command_id, command_line, serials, outcome, COALESCE(err,''), started_ms, elapsed_ms FROM invocations`
	var where []string
	var args []any
	if q.CommandID != 0 {
		where = append(where, "command_id = ?")
		args = append(args, q.CommandID)
	}
	if q.Serial != "" {
		where = append(where, "instr(',' || serials || ',', ?) > 0")
		args = append(args, ","+q.Serial+",")
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at_ms DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InvocationRecord
	for rows.Next() {
		var rec InvocationRecord
		var atMS, startedMS int64
		var serials string
		if err := rows.Scan(&atMS, &rec.InvocationID, &rec.CommandID, &rec.CommandLine,
			&serials, &rec.Outcome, &rec.Error, &startedMS, &rec.ElapsedMS); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(atMS)
		if startedMS > 0 {
			rec.StartedAt = time.UnixMilli(startedMS)
		}
		if serials != "" {
			rec.Serials = strings.Split(serials, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDeviceEvent(ctx context.Context, ev DeviceEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events(at_ms, serial, from_state, to_state, reason) VALUES(?,?,?,?,?)`,
		ev.At.UnixMilli(), ev.Serial, nullStr(ev.From), ev.To, nullStr(ev.Reason),
	)
	return err
}

func (s *sqliteStore) ListDeviceEvents(ctx context.Context, q DeviceEventQuery) ([]DeviceEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query := `SELECT at_ms, serial, COALESCE(from_state,''), to_state, COALESCE(reason,'') FROM device_events`
	var where []string
	var args []any
	if q.Serial != "" {
		where = append(where, "serial = ?")
		args = append(args, q.Serial)
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at_ms DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		var atMS int64
		if err := rows.Scan(&atMS, &ev.Serial, &ev.From, &ev.To, &ev.Reason); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(atMS)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := olderThan.UnixMilli()
	total := 0
	for _, table := range []string{"invocations", "device_events"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at_ms < ?`, cutoff)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	if total > 0 {
		s.log.Debug("pruned records", logx.Int("removed", total))
	}
	return total, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
