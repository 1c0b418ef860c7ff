package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/lobby-research/lobby/internal/api"
	"github.com/lobby-research/lobby/internal/services"
)

// DSN builds a go-sqlite3 connection string. Transactions start with
// BEGIN IMMEDIATE so two link transactions never interleave their
// read-then-write steps; waiting writers back off for up to busyTimeout.
func DSN(path string, busyTimeout time.Duration) string {
	ms := busyTimeout.Milliseconds()
	if ms <= 0 {
		ms = 5000
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", filepath.ToSlash(path), ms)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteStore struct {
	*ledger
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{ledger: &ledger{q: db}, db: db}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

var _ api.Store = (*SQLiteStore)(nil)

func logErr(prefix string, err error) {
	if err != nil {
		log.Error().Err(err).Str("module", "db.sqlite").Msg(prefix)
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		logErr("parse time "+s, err)
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// WithinLink runs fn inside one IMMEDIATE transaction.
func (s *SQLiteStore) WithinLink(ctx context.Context, proxyID string, fn func(services.Ledger) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx %s: %w", proxyID, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				logErr("rollback link tx", rerr)
			}
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit link tx %s: %w", proxyID, cerr)
		}
	}()
	return fn(&ledger{q: tx})
}

// MarkGroupRedirected outside WithinLink still runs as one transaction.
func (s *SQLiteStore) MarkGroupRedirected(ctx context.Context, proxyID string, fingerprints []string, groupSessionID string, at time.Time) error {
	return s.WithinLink(ctx, proxyID, func(l services.Ledger) error {
		return l.MarkGroupRedirected(ctx, proxyID, fingerprints, groupSessionID, at)
	})
}

// --- link registry ---

const linkColumns = `proxy_id, destination_url, group_name, category, treatment_title, capacity, is_active,
	post_experiment_redirect_url, room_start_time, group_session_id, group_formed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(rs rowScanner) (*services.Link, error) {
	var (
		l                                 services.Link
		category                          string
		capacity, active                  int64
		redirect, started, gsid, formedAt sql.NullString
		createdAt, updatedAt              string
	)
	if err := rs.Scan(&l.ProxyID, &l.DestinationURL, &l.GroupName, &category, &l.TreatmentTitle, &capacity, &active,
		&redirect, &started, &gsid, &formedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Category = services.Category(category)
	l.Capacity = int(capacity)
	l.IsActive = active != 0
	l.PostExperimentRedirectURL = redirect.String
	l.RoomStartTime = parseNullTime(started)
	l.GroupSessionID = gsid.String
	l.GroupFormedAt = parseNullTime(formedAt)
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

func (s *SQLiteStore) InsertLink(ctx context.Context, l *services.Link) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ProxyID, l.DestinationURL, l.GroupName, string(l.Category), l.TreatmentTitle, l.Capacity, boolToInt64(l.IsActive),
		toNullString(l.PostExperimentRedirectURL), toNullTime(l.RoomStartTime), toNullString(l.GroupSessionID), toNullTime(l.GroupFormedAt),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	if isUniqueViolation(err) {
		return services.NewConflictError("proxy id exists")
	}
	return err
}

func (s *SQLiteStore) ListLinks(ctx context.Context) ([]*services.Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM links ORDER BY created_at DESC, proxy_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logErr("ListLinks: rows.Close", cerr)
		}
	}()
	out := []*services.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetLinkActive(ctx context.Context, proxyID string, active bool, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE links SET is_active = ?, updated_at = ? WHERE proxy_id = ?`,
		boolToInt64(active), formatTime(at), proxyID)
	return affected(res, err)
}

func (s *SQLiteStore) ResetLink(ctx context.Context, proxyID string, at time.Time) (bool, error) {
	return s.inTx(ctx, "ResetLink", func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE proxy_id = ?`, proxyID); err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE links SET room_start_time = NULL, group_session_id = NULL,
			group_formed_at = NULL, updated_at = ? WHERE proxy_id = ?`, formatTime(at), proxyID)
		return affected(res, err)
	})
}

func (s *SQLiteStore) DeleteLink(ctx context.Context, proxyID string) (bool, error) {
	return s.inTx(ctx, "DeleteLink", func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE proxy_id = ?`, proxyID); err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM links WHERE proxy_id = ?`, proxyID)
		return affected(res, err)
	})
}

// inTx commits only when fn succeeds and reports a row change.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s begin: %w", op, err)
	}
	ok, err := fn(tx)
	if err != nil || !ok {
		if rerr := tx.Rollback(); rerr != nil {
			logErr(op+" rollback", rerr)
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s commit: %w", op, err)
	}
	return true, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- audit ---

func (s *SQLiteStore) AddAudit(e services.AuditEntry) {
	_, err := s.db.Exec(`INSERT INTO audit_log (time, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		formatTime(e.Time), e.Actor, e.Action, e.Target, toNullString(e.Note))
	logErr("AddAudit", err)
}

func (s *SQLiteStore) ListAudit() []services.AuditEntry {
	rows, err := s.db.Query(`SELECT time, actor, action, target, note FROM audit_log ORDER BY id ASC`)
	if err != nil {
		logErr("ListAudit: query", err)
		return nil
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logErr("ListAudit: rows.Close", cerr)
		}
	}()
	out := []services.AuditEntry{}
	for rows.Next() {
		var (
			e    services.AuditEntry
			ts   string
			note sql.NullString
		)
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &e.Target, &note); err != nil {
			logErr("ListAudit: scan", err)
			continue
		}
		e.Time = parseTime(ts)
		e.Note = note.String
		out = append(out, e)
	}
	logErr("ListAudit: rows.Err", rows.Err())
	return out
}
