package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrMessageNotFound    = errors.New("provider message id not found")
	ErrRecipientIndex     = errors.New("recipient index out of range")
	ErrTransitionRejected = errors.New("status transition rejected")
)

// JobStore persists jobs and their recipients. UpdateRecipient must be safe
// for concurrent use: patches to different recipients of the same job never
// overwrite each other.
type JobStore interface {
	Create(ctx context.Context, in model.NewJob) (string, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	UpdateRecipient(ctx context.Context, jobID string, index int, patch model.RecipientPatch) error
	SetStatus(ctx context.Context, jobID string, status model.JobStatus, reason string) error
	FindByMessageID(ctx context.Context, providerMessageID string) (model.RecipientRef, error)
	List(ctx context.Context, limit, offset int) ([]model.JobSummary, error)
	ListActive(ctx context.Context) ([]string, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
