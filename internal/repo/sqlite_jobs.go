package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total INTEGER NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS recipients (
	job_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	phone TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '[]',
	vars TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	provider_message_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_recipients_provider_message_id ON recipients(provider_message_id);
`

// SQLiteJobStore persists jobs in a SQLite file. Every mutation is written
// through before the call returns.
type SQLiteJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteJobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func sqliteBind(int) string { return "?" }

func (s *SQLiteJobStore) Create(ctx context.Context, in model.NewJob) (string, error) {
	id := uuid.NewString()
	now := unixNano(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, total, body, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
	`, id, string(model.JobQueued), len(in.Recipients), in.Body, now, now); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipients (job_id, idx, phone, params, vars, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, r := range in.Recipients {
		params, vars, err := encodeParams(r)
		if err != nil {
			return "", err
		}
		status := r.Status
		if status == "" {
			status = model.RecipientPending
		}
		if _, err := stmt.ExecContext(ctx, id, i, r.Phone, params, vars, string(status), r.Attempts, r.LastError, now); err != nil {
			return "", fmt.Errorf("failed to insert recipient %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		j                model.Job
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, total, body, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(&j.ID, &status, &j.Total, &j.Body, &j.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = fromUnixNano(created)
	j.UpdatedAt = fromUnixNano(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT phone, params, vars, status, attempts, provider_message_id, last_error, updated_at
		FROM recipients WHERE job_id = ? ORDER BY idx ASC
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
			rUpdated     int64
		)
		if err := rows.Scan(&r.Phone, &params, &vars, &rStatus, &r.Attempts, &r.ProviderMessageID, &r.LastError, &rUpdated); err != nil {
			return nil, err
		}
		if err := decodeParams(&r, params, vars); err != nil {
			return nil, err
		}
		r.Status = model.RecipientStatus(rStatus)
		r.UpdatedAt = fromUnixNano(rUpdated)
		j.Recipients = append(j.Recipients, r)
	}
	return &j, rows.Err()
}

func (s *SQLiteJobStore) UpdateRecipient(ctx context.Context, jobID string, index int, patch model.RecipientPatch) error {
	now := unixNano(s.now())
	query, args := recipientUpdateSQL(patch, now, jobID, index, sqliteBind)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.explainMiss(ctx, tx, jobID, index)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, now, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// explainMiss turns a zero-row recipient update into the matching error.
func (s *SQLiteJobStore) explainMiss(ctx context.Context, tx *sql.Tx, jobID string, index int) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM recipients WHERE job_id = ? AND idx = ?`, jobID, index).Scan(&status)
	if err == nil {
		return fmt.Errorf("%w: recipient %d is %s", ErrTransitionRejected, index, status)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s index %d", ErrRecipientIndex, jobID, index)
}

func (s *SQLiteJobStore) SetStatus(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	query, args := jobStatusSQL(status, reason, unixNano(s.now()), jobID, sqliteBind)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteJobStore) FindByMessageID(ctx context.Context, providerMessageID string) (model.RecipientRef, error) {
	var ref model.RecipientRef
	if providerMessageID == "" {
		return ref, fmt.Errorf("%w: empty id", ErrMessageNotFound)
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, idx FROM recipients WHERE provider_message_id = ? LIMIT 1
	`, providerMessageID).Scan(&ref.JobID, &ref.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, fmt.Errorf("%w: %s", ErrMessageNotFound, providerMessageID)
	}
	return ref, err
}

func (s *SQLiteJobStore) List(ctx context.Context, limit, offset int) ([]model.JobSummary, error) {
	limit, offset = normalizePage(limit, offset)

	rows, err := s.db.QueryContext(ctx, summaryQuery("?", "?"), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSummaries(rows, fromUnixNano)
}

func (s *SQLiteJobStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC
	`, string(model.JobQueued), string(model.JobRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteJobStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	where := `status IN (?, ?, ?) AND updated_at < ?`
	args := []any{finishedStatuses[0], finishedStatuses[1], finishedStatuses[2], unixNano(cutoff)}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipients WHERE job_id IN (SELECT id FROM jobs WHERE `+where+`)`, args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func encodeParams(r model.Recipient) (string, string, error) {
	params := r.Params
	if params == nil {
		params = []string{}
	}
	p, err := json.Marshal(params)
	if err != nil {
		return "", "", err
	}
	vars := r.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	v, err := json.Marshal(vars)
	if err != nil {
		return "", "", err
	}
	return string(p), string(v), nil
}

func decodeParams(r *model.Recipient, params, vars string) error {
	if params != "" && params != "[]" {
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return fmt.Errorf("failed to decode params: %w", err)
		}
	}
	if vars != "" && vars != "{}" {
		if err := json.Unmarshal([]byte(vars), &r.Vars); err != nil {
			return fmt.Errorf("failed to decode vars: %w", err)
		}
	}
	return nil
}
