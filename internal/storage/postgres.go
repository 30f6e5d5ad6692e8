package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"courier/internal/job"
	logx "courier/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := migratePostgres(ctx, pool, log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("job store opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool, log logx.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: log.With(logx.String("comp", "migrate"))})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations/postgres")
}

// gooseLogger routes goose output through logx.
type gooseLogger struct{ log logx.Logger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Enqueue(ctx context.Context, j job.Job) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs(id, queue, payload, status, attempts_made, max_attempts, backoff_ms,
		                  delay_until, dedup_key, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (queue, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		j.ID, j.Queue, []byte(j.Payload), string(j.Status), j.AttemptsMade, j.MaxAttempts, j.BackoffBase.Milliseconds(),
		j.DelayUntil, nullStr(j.DedupKey), j.CreatedAt, j.UpdatedAt,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || j.DedupKey == "" {
		return "", err
	}
	if err := s.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE queue = $1 AND dedup_key = $2`, j.Queue, j.DedupKey).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup duplicate: %w", err)
	}
	return id, ErrDuplicate
}

func (s *postgresStore) LeaseNext(ctx context.Context, queue, owner string, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'leased', lease_owner = $2, leased_at = $3, updated_at = $3
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = $1 AND status IN ('pending', 'failed_retry') AND delay_until <= $3
		   ORDER BY delay_until, created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumnList,
		queue, owner, now,
	)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *postgresStore) Ack(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', lease_owner = NULL, updated_at = $2 WHERE id = $1 AND status = 'leased'`,
		id, now)
	return s.expectOne(ctx, tag, err, id, ErrNotLeased)
}

func (s *postgresStore) ApplyTransition(ctx context.Context, id string, tr job.Transition, now time.Time) error {
	var delay *time.Time
	if !tr.DelayUntil.IsZero() {
		delay = &tr.DelayUntil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, attempts_made = $3, last_error = $4, lease_owner = NULL, updated_at = $5,
		        delay_until = COALESCE($6, delay_until)
		 WHERE id = $1 AND status = 'leased'`,
		id, string(tr.Status), tr.AttemptsMade, nullStr(tr.LastError), now, delay)
	return s.expectOne(ctx, tag, err, id, ErrNotLeased)
}

func (s *postgresStore) Release(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = NULL, updated_at = $2 WHERE id = $1 AND status = 'leased'`,
		id, now)
	return s.expectOne(ctx, tag, err, id, ErrNotLeased)
}

func (s *postgresStore) Requeue(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', attempts_made = 0, delay_until = $2, updated_at = $2
		 WHERE id = $1 AND status = 'dead_lettered'`,
		id, now)
	return s.expectOne(ctx, tag, err, id, ErrNotDead)
}

func (s *postgresStore) expectOne(ctx context.Context, tag pgconn.CommandTag, err error, id string, miss error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return miss
}

func (s *postgresStore) RecoverStale(ctx context.Context, leasedBefore, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = NULL, updated_at = $2
		 WHERE status = 'leased' AND leased_at < $1`,
		leasedBefore, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) PruneCompleted(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumnList+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *postgresStore) List(ctx context.Context, f Filter) ([]job.Job, error) {
	query, args, err := listQuery(f, sq.Dollar)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *postgresStore) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueStats
	for rows.Next() {
		var (
			st     QueueStats
			status string
			n      int64
		)
		if err := rows.Scan(&st.Queue, &status, &n); err != nil {
			return nil, err
		}
		st.Status = job.Status(status)
		st.Count = int(n)
		out = append(out, st)
	}
	sortStats(out)
	return out, rows.Err()
}

func scanPgJob(r pgx.Row) (*job.Job, error) {
	var (
		j                     job.Job
		payload               []byte
		status                string
		backoffMS             int64
		lastErr, dedup, owner *string
		leasedAt              *time.Time
	)
	if err := r.Scan(&j.ID, &j.Queue, &payload, &status, &j.AttemptsMade, &j.MaxAttempts, &backoffMS,
		&j.DelayUntil, &lastErr, &dedup, &owner, &leasedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Status = job.Status(status)
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	if lastErr != nil {
		j.LastError = *lastErr
	}
	if dedup != nil {
		j.DedupKey = *dedup
	}
	if owner != nil {
		j.LeaseOwner = *owner
	}
	if leasedAt != nil {
		j.LeasedAt = *leasedAt
	}
	return &j, nil
}
