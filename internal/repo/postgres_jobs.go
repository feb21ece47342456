package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total INTEGER NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);

CREATE TABLE IF NOT EXISTS recipients (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	phone TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '[]',
	vars TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	provider_message_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_recipients_provider_message_id ON recipients (provider_message_id);
`

type PostgresJobStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresJobStore connects to url and makes sure the schema exists.
// maxConns > 0 overrides the pool size.
func NewPostgresJobStore(ctx context.Context, url string, maxConns int) (*PostgresJobStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresJobStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresJobStore) Close() error {
	s.pool.Close()
	return nil
}

func pgBind(n int) string { return "$" + strconv.Itoa(n) }

func (s *PostgresJobStore) Create(ctx context.Context, in model.NewJob) (string, error) {
	id := uuid.NewString()
	now := s.now()

	rows := make([][]any, 0, len(in.Recipients))
	for i, r := range in.Recipients {
		params, vars, err := encodeParams(r)
		if err != nil {
			return "", err
		}
		status := r.Status
		if status == "" {
			status = model.RecipientPending
		}
		rows = append(rows, []any{id, i, r.Phone, params, vars, string(status), r.Attempts, r.LastError, now})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, status, total, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, string(model.JobQueued), len(in.Recipients), in.Body, now); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"recipients"},
			[]string{"job_id", "idx", "phone", "params", "vars", "status", "attempts", "last_error", "updated_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return "", fmt.Errorf("failed to insert recipients: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		j      model.Job
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, total, body, error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID).Scan(&j.ID, &status, &j.Total, &j.Body, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT phone, params, vars, status, attempts, provider_message_id, last_error, updated_at
		FROM recipients WHERE job_id = $1 ORDER BY idx ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	j.Recipients = make([]model.Recipient, 0, j.Total)
	for rows.Next() {
		var (
			r            model.Recipient
			params, vars string
			rStatus      string
		)
		if err := rows.Scan(&r.Phone, &params, &vars, &rStatus, &r.Attempts, &r.ProviderMessageID, &r.LastError, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodeParams(&r, params, vars); err != nil {
			return nil, err
		}
		r.Status = model.RecipientStatus(rStatus)
		r.UpdatedAt = r.UpdatedAt.UTC()
		j.Recipients = append(j.Recipients, r)
	}
	return &j, rows.Err()
}

func (s *PostgresJobStore) UpdateRecipient(ctx context.Context, jobID string, index int, patch model.RecipientPatch) error {
	now := s.now()
	query, args := recipientUpdateSQL(patch, now, jobID, index, pgBind)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, tx, jobID, index)
	}

	if _, err := tx.Exec(ctx, `UPDATE jobs SET updated_at = $1 WHERE id = $2`, now, jobID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresJobStore) explainMiss(ctx context.Context, tx pgx.Tx, jobID string, index int) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM recipients WHERE job_id = $1 AND idx = $2`, jobID, index).Scan(&status)
	if err == nil {
		return fmt.Errorf("%w: recipient %d is %s", ErrTransitionRejected, index, status)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s index %d", ErrRecipientIndex, jobID, index)
}

func (s *PostgresJobStore) SetStatus(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	query, args := jobStatusSQL(status, reason, s.now(), jobID, pgBind)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var cur string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return err
	}
	if model.JobStatus(cur) == status {
		return nil
	}
	return fmt.Errorf("%w: job %s %s -> %s", ErrTransitionRejected, jobID, cur, status)
}

func (s *PostgresJobStore) FindByMessageID(ctx context.Context, providerMessageID string) (model.RecipientRef, error) {
	var ref model.RecipientRef
	if providerMessageID == "" {
		return ref, fmt.Errorf("%w: empty id", ErrMessageNotFound)
	}
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, idx FROM recipients WHERE provider_message_id = $1 LIMIT 1
	`, providerMessageID).Scan(&ref.JobID, &ref.Index)
	if errors.Is(err, pgx.ErrNoRows) {
		return ref, fmt.Errorf("%w: %s", ErrMessageNotFound, providerMessageID)
	}
	return ref, err
}

func (s *PostgresJobStore) List(ctx context.Context, limit, offset int) ([]model.JobSummary, error) {
	limit, offset = normalizePage(limit, offset)

	rows, err := s.pool.Query(ctx, summaryQuery("$1", "$2"), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSummaries(rows, func(t time.Time) time.Time { return t.UTC() })
}

func (s *PostgresJobStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE status IN ($1, $2) ORDER BY created_at ASC
	`, string(model.JobQueued), string(model.JobRunning))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresJobStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = ANY($1) AND updated_at < $2
	`, finishedStatuses, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
