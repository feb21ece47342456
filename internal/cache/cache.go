package cache

import (
	"context"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

// MessageIndex maps provider message ids to the recipient that produced
// them. It is a hot path for webhook correlation; the job store stays the
// source of truth.
type MessageIndex interface {
	Put(ctx context.Context, providerMessageID string, ref model.RecipientRef) error
	Lookup(ctx context.Context, providerMessageID string) (model.RecipientRef, bool, error)
}
