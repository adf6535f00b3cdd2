package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/ctrmux/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

const defaultListLimit = 100

// tsLayout is fixed width so stored timestamps sort chronologically as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertSession(ctx context.Context, rec model.SessionRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("insert session: session id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_history(session_id, client_id, unit_id, kind, shell, started_at, ended_at, end_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, rec.SessionID, rec.ClientID, rec.UnitID, string(rec.Kind), rec.Shell, ts(rec.StartedAt), nullableTS(rec.EndedAt), rec.EndReason)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession closes an open history row. Rows that are already closed are
// left untouched and reported as ErrNotFound.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_history SET ended_at = ?, end_reason = ?
WHERE session_id = ? AND ended_at IS NULL
`, ts(endedAt), reason, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordStart and RecordEnd let the store act as the multiplexer's history
// recorder.
func (s *Store) RecordStart(ctx context.Context, rec model.SessionRecord) error {
	return s.InsertSession(ctx, rec)
}

func (s *Store) RecordEnd(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	return s.EndSession(ctx, sessionID, endedAt, reason)
}

// CloseOpenSessions ends rows left open by a daemon that did not shut down
// cleanly.
func (s *Store) CloseOpenSessions(ctx context.Context, endedAt time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_history SET ended_at = ?, end_reason = ?
WHERE ended_at IS NULL
`, ts(endedAt), reason)
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	return res.RowsAffected()
}

type SessionFilter struct {
	UnitID   string
	ClientID string
	Limit    int
}

// ListSessions returns history rows, newest first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionRecord, error) {
	query := `
SELECT session_id, client_id, unit_id, kind, shell, started_at, ended_at, end_reason
FROM session_history`
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(filter.UnitID); v != "" {
		where = append(where, "unit_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.ClientID); v != "" {
		where = append(where, "client_id = ?")
		args = append(args, v)
	}
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY started_at DESC, session_id ASC\nLIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SessionRecord
	for rows.Next() {
		var (
			rec       model.SessionRecord
			kind      string
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.ClientID, &rec.UnitID, &kind, &rec.Shell, &startedAt, &endedAt, &rec.EndReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Kind = model.SessionKind(kind)
		if rec.StartedAt, err = parseTS(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if endedAt.Valid {
			v, err := parseTS(endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			rec.EndedAt = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) InsertRelaunch(ctx context.Context, rec model.RelaunchRecord) error {
	if strings.TrimSpace(rec.RelaunchID) == "" {
		return fmt.Errorf("insert relaunch: relaunch id is required")
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now().UTC()
	}
	args := rec.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal relaunch args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO relaunches(relaunch_id, ref, unit_id, args_json, exit_code, result_code, requested_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, rec.RelaunchID, rec.Ref, rec.UnitID, string(argsJSON), rec.ExitCode, rec.ResultCode, ts(rec.RequestedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert relaunch: %w", err)
	}
	return nil
}

func (s *Store) ListRelaunches(ctx context.Context, unitID string, limit int) ([]model.RelaunchRecord, error) {
	query := `
SELECT relaunch_id, ref, unit_id, args_json, exit_code, result_code, requested_at
FROM relaunches`
	var args []any
	if v := strings.TrimSpace(unitID); v != "" {
		query += "\nWHERE unit_id = ?"
		args = append(args, v)
	}
	query += "\nORDER BY requested_at DESC, relaunch_id ASC\nLIMIT ?"
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relaunches: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RelaunchRecord
	for rows.Next() {
		var (
			rec         model.RelaunchRecord
			argsJSON    string
			requestedAt string
		)
		if err := rows.Scan(&rec.RelaunchID, &rec.Ref, &rec.UnitID, &argsJSON, &rec.ExitCode, &rec.ResultCode, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan relaunch: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
			return nil, fmt.Errorf("decode relaunch args: %w", err)
		}
		if rec.RequestedAt, err = parseTS(requestedAt); err != nil {
			return nil, fmt.Errorf("parse requested_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relaunches: %w", err)
	}
	return out, nil
}

// PurgeRetention deletes ended sessions and relaunch audits older than
// cutoff. Open sessions are always kept.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM session_history WHERE ended_at IS NOT NULL AND ended_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	sessions, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM relaunches WHERE requested_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old relaunches: %w", err)
	}
	relaunches, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}
	return sessions + relaunches, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "session_history", "relaunches":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
