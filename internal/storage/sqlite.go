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

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"courier/internal/job"
	logx "courier/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; LeaseNext relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("job store opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
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

func ms(t time.Time) int64 { return t.UnixMilli() }

func (s *sqliteStore) Enqueue(ctx context.Context, j job.Job) (string, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, queue, payload, status, attempts_made, max_attempts, backoff_ms,
		                  delay_until, dedup_key, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		j.ID, j.Queue, []byte(j.Payload), string(j.Status), j.AttemptsMade, j.MaxAttempts, j.BackoffBase.Milliseconds(),
		ms(j.DelayUntil), nullStr(j.DedupKey), ms(j.CreatedAt), ms(j.UpdatedAt),
	)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 || j.DedupKey == "" {
		return j.ID, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE queue = ? AND dedup_key = ?`, j.Queue, j.DedupKey).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("lookup duplicate: %w", err)
	}
	return existing, ErrDuplicate
}

func (s *sqliteStore) LeaseNext(ctx context.Context, queue, owner string, now time.Time) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'leased', lease_owner = ?, leased_at = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = ? AND status IN ('pending', 'failed_retry') AND delay_until <= ?
		   ORDER BY delay_until, created_at
		   LIMIT 1
		 )
		 RETURNING `+jobColumnList,
		owner, ms(now), ms(now), queue, ms(now),
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *sqliteStore) Ack(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', lease_owner = NULL, updated_at = ? WHERE id = ? AND status = 'leased'`,
		ms(now), id)
	return s.expectOne(ctx, res, err, id)
}

func (s *sqliteStore) ApplyTransition(ctx context.Context, id string, tr job.Transition, now time.Time) error {
	q := `UPDATE jobs SET status = ?, attempts_made = ?, last_error = ?, lease_owner = NULL, updated_at = ?`
	args := []any{string(tr.Status), tr.AttemptsMade, nullStr(tr.LastError), ms(now)}
	if !tr.DelayUntil.IsZero() {
		q += `, delay_until = ?`
		args = append(args, ms(tr.DelayUntil))
	}
	q += ` WHERE id = ? AND status = 'leased'`
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, q, args...)
	return s.expectOne(ctx, res, err, id)
}

func (s *sqliteStore) Release(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = NULL, updated_at = ? WHERE id = ? AND status = 'leased'`,
		ms(now), id)
	return s.expectOne(ctx, res, err, id)
}

func (s *sqliteStore) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', attempts_made = 0, delay_until = ?, updated_at = ?
		 WHERE id = ? AND status = 'dead_lettered'`,
		ms(now), ms(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotDead
}

// expectOne maps a zero-row state change to ErrNotFound or ErrNotLeased.
func (s *sqliteStore) expectOne(ctx context.Context, res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotLeased
}

func (s *sqliteStore) RecoverStale(ctx context.Context, leasedBefore, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = NULL, updated_at = ?
		 WHERE status = 'leased' AND leased_at < ?`,
		ms(now), ms(leasedBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PruneCompleted(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumnList+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]job.Job, error) {
	query, args, err := listQuery(f, sq.Question)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueStats
	for rows.Next() {
		var st QueueStats
		var status string
		if err := rows.Scan(&st.Queue, &status, &st.Count); err != nil {
			return nil, err
		}
		st.Status = job.Status(status)
		out = append(out, st)
	}
	sortStats(out)
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(r rowScanner) (*job.Job, error) {
	var (
		j                                   job.Job
		payload                             []byte
		status                              string
		backoffMS, delayMS, createdMS, upMS int64
		lastErr, dedup, owner               sql.NullString
		leasedMS                            sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Queue, &payload, &status, &j.AttemptsMade, &j.MaxAttempts, &backoffMS,
		&delayMS, &lastErr, &dedup, &owner, &leasedMS, &createdMS, &upMS); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Status = job.Status(status)
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	j.DelayUntil = time.UnixMilli(delayMS)
	j.LastError = lastErr.String
	j.DedupKey = dedup.String
	j.LeaseOwner = owner.String
	if leasedMS.Valid {
		j.LeasedAt = time.UnixMilli(leasedMS.Int64)
	}
	j.CreatedAt = time.UnixMilli(createdMS)
	j.UpdatedAt = time.UnixMilli(upMS)
	return &j, nil
}
