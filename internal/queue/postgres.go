package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS mail_jobs (
	id            UUID PRIMARY KEY,
	queue         TEXT NOT NULL,
	data          JSONB NOT NULL,
	state         TEXT NOT NULL DEFAULT 'created',
	retry_limit   INT NOT NULL,
	retry_count   INT NOT NULL DEFAULT 0,
	retry_delay   INT NOT NULL,
	expire_in     INT NOT NULL,
	start_after   TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	last_error    TEXT
);
CREATE INDEX IF NOT EXISTS mail_jobs_fetch_idx
	ON mail_jobs (queue, state, start_after);
CREATE INDEX IF NOT EXISTS mail_jobs_reap_idx
	ON mail_jobs (state, started_at);
`

// PostgresStore is the production broker: jobs live in a single table and
// workers claim them with FOR UPDATE SKIP LOCKED, so any number of processes
// can share the queue without double-claiming.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing broker schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mail_jobs (id, queue, data, retry_limit, retry_delay, expire_in, start_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID,
		job.Queue,
		job.Data,
		job.RetryLimit,
		int(job.RetryDelay.Seconds()),
		int(job.ExpireIn.Seconds()),
		job.StartAfter,
	)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, pattern string, limit int) ([]Job, error) {
	like := strings.ReplaceAll(pattern, "*", "%")

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM mail_jobs
			WHERE queue LIKE $1 AND state = 'created' AND start_after <= now()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE mail_jobs j
		SET state = 'active', started_at = now()
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING j.id, j.queue, j.data, j.retry_limit, j.retry_count,
			j.retry_delay, j.expire_in, j.start_after, j.created_at`,
		like, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var retryDelay, expireIn int
		if err := rows.Scan(
			&job.ID, &job.Queue, &job.Data, &job.RetryLimit, &job.RetryCount,
			&retryDelay, &expireIn, &job.StartAfter, &job.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		job.RetryDelay = time.Duration(retryDelay) * time.Second
		job.ExpireIn = time.Duration(expireIn) * time.Second
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs
		SET state = 'completed', completed_at = now()
		WHERE id = $1 AND state = 'active'`, id)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, reason string) (bool, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		UPDATE mail_jobs
		SET retry_count = retry_count + 1,
			last_error = $2,
			state = CASE WHEN retry_count + 1 >= retry_limit THEN 'failed' ELSE 'created' END,
			start_after = now() + make_interval(secs => retry_delay),
			completed_at = CASE WHEN retry_count + 1 >= retry_limit THEN now() ELSE NULL END
		WHERE id = $1 AND state = 'active'
		RETURNING state`, id, reason,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failing job: %w", err)
	}
	return state == "failed", nil
}

func (s *PostgresStore) ReapExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs
		SET retry_count = retry_count + 1,
			last_error = 'claim expired',
			state = CASE WHEN retry_count + 1 >= retry_limit THEN 'failed' ELSE 'created' END,
			start_after = now() + make_interval(secs => retry_delay)
		WHERE state = 'active'
		  AND started_at + make_interval(secs => expire_in) < now()`)
	if err != nil {
		return 0, fmt.Errorf("reaping expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Purge(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mail_jobs
		WHERE state IN ('completed', 'failed')
		  AND completed_at < now() - make_interval(secs => $1)`,
		int(retention.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*) FROM mail_jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning stats: %w", err)
		}
		switch state {
		case "created":
			stats.Created = count
		case "active":
			stats.Active = count
		case "completed":
			stats.Completed = count
		case "failed":
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, state string, limit int) ([]JobSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, state, retry_count, retry_limit, start_after, created_at,
			coalesce(last_error, '')
		FROM mail_jobs
		WHERE $1 = '' OR state = $1
		ORDER BY created_at DESC
		LIMIT $2`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var j JobSummary
		if err := rows.Scan(
			&j.ID, &j.Queue, &j.State, &j.RetryCount, &j.RetryLimit,
			&j.StartAfter, &j.CreatedAt, &j.LastError,
		); err != nil {
			return nil, fmt.Errorf("scanning job summary: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
