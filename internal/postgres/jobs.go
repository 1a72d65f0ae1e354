package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/jackc/pgx/v5"
)

const jobCols = `id, job_type, payload, status, idempotency_key, attempts, max_attempts,
	COALESCE(locked_by, ''), locked_until, COALESCE(last_error, ''), run_after, created_at, updated_at`

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		j           jobs.Job
		typ, status string
		until       *time.Time
	)
	err := row.Scan(&j.ID, &typ, &j.Payload, &status, &j.IdempotencyKey, &j.Attempts, &j.MaxAttempts,
		&j.LockedBy, &until, &j.LastError, &j.RunAfter, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Type = jobs.Type(typ)
	j.Status = jobs.Status(status)
	if until != nil {
		j.LockedUntil = *until
	}
	return j, nil
}

// Enqueue is idempotent on the job's idempotency key.
func (s *Store) Enqueue(ctx context.Context, j jobs.Job) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO jobs(id, job_type, payload, status, idempotency_key, max_attempts)
		VALUES ($1,$2,$3,'pending',$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		j.ID, string(j.Type), []byte(j.Payload), j.IdempotencyKey, j.MaxAttempts)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Claim locks the oldest pending job whose retry delay has passed, or one
// whose lease ran out. SKIP LOCKED keeps two workers from ever taking the
// same row.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration, jobType jobs.Type) (jobs.Job, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, `
		UPDATE jobs SET status='processing', locked_by=$1,
			locked_until=now() + make_interval(secs => $2::float8), updated_at=now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE ((status='pending' AND run_after <= now())
			    OR (status='processing' AND locked_until <= now()))
			  AND ($3::text = '' OR job_type = $3)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobCols, workerID, lease.Seconds(), string(jobType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNoJob
	}
	return j, err
}

func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE jobs SET status='completed', locked_by=NULL, locked_until=NULL, updated_at=now()
		WHERE id=$1 AND locked_by=$2 AND status='processing'`, id, workerID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.leaseError(ctx, id)
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, id, workerID, cause string, retryable bool) (jobs.Status, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs
		WHERE id=$1 AND locked_by=$2 AND status='processing' FOR UPDATE`, id, workerID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.leaseError(ctx, id)
	}
	if err != nil {
		return "", err
	}
	attempts++
	next := jobs.NextStatus(attempts, maxAttempts, retryable)
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status=$2, attempts=$3, last_error=$4, locked_by=NULL, locked_until=NULL,
			run_after=now() + make_interval(secs => $5::float8), updated_at=now()
		WHERE id=$1`, id, string(next), attempts, cause, jobs.Backoff(attempts).Seconds()); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) leaseError(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return jobs.ErrLeaseLost
}

func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, err
}

func (s *Store) GetByKey(ctx context.Context, key string) (jobs.Job, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, err
}
