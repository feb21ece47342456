package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/cache"
	"github.com/LeventeLantos/wa-bulk-sender/internal/metrics"
	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
)

var ErrCorrelationMiss = errors.New("no recipient for provider message id")

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMiss      Outcome = "miss"
	OutcomeIgnored   Outcome = "ignored"
)

type EventError struct {
	Code    int
	Title   string
	Message string
}

// StatusEvent is one delivery status notification for a sent message.
type StatusEvent struct {
	MessageID   string
	Status      string
	Timestamp   time.Time
	RecipientID string
	Errors      []EventError
}

// webhookSources lists, per incoming status, the recipient statuses it may
// advance from. Anything else is a replay or an out-of-order event.
var webhookSources = map[model.RecipientStatus][]model.RecipientStatus{
	model.RecipientSent:      {model.RecipientSending},
	model.RecipientDelivered: {model.RecipientSent},
	model.RecipientRead:      {model.RecipientSent, model.RecipientDelivered},
	model.RecipientFailed:    {model.RecipientSent},
}

// Correlator applies provider status events to the recipient that produced
// the message.
type Correlator struct {
	store repo.JobStore
	index cache.MessageIndex
	log   *slog.Logger
}

func NewCorrelator(store repo.JobStore, log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{store: store, log: log}
}

// WithIndex makes lookups consult idx before the job store.
func (c *Correlator) WithIndex(idx cache.MessageIndex) *Correlator {
	c.index = idx
	return c
}

// Handle never returns an error for unknown ids or stale statuses; those are
// reported through the Outcome. Errors are store failures only.
func (c *Correlator) Handle(ctx context.Context, ev StatusEvent) (Outcome, error) {
	status := model.RecipientStatus(strings.ToLower(strings.TrimSpace(ev.Status)))
	out, err := c.handle(ctx, status, ev)
	if err == nil {
		metrics.WebhookEvents.WithLabelValues(string(status), string(out)).Inc()
	}
	return out, err
}

func (c *Correlator) handle(ctx context.Context, status model.RecipientStatus, ev StatusEvent) (Outcome, error) {
	log := c.log.With("provider_message_id", ev.MessageID, "status", status)

	sources, ok := webhookSources[status]
	if !ok {
		log.Debug("ignoring status event")
		return OutcomeIgnored, nil
	}

	ref, err := c.resolve(ctx, ev.MessageID)
	if errors.Is(err, ErrCorrelationMiss) {
		log.Info("status event for unknown message")
		return OutcomeMiss, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With("job_id", ref.JobID, "index", ref.Index)

	patch := model.RecipientPatch{
		Status:       model.Ptr(status),
		ExpectStatus: sources,
	}
	if status == model.RecipientFailed {
		patch.LastError = model.Ptr(describeErrors(ev.Errors))
	}

	err = c.store.UpdateRecipient(ctx, ref.JobID, ref.Index, patch)
	switch {
	case errors.Is(err, repo.ErrTransitionRejected):
		log.Debug("dropping stale status event", "reason", err)
		return OutcomeDuplicate, nil
	case errors.Is(err, repo.ErrJobNotFound), errors.Is(err, repo.ErrRecipientIndex):
		log.Info("status event for purged job")
		return OutcomeMiss, nil
	case err != nil:
		return "", fmt.Errorf("apply status event: %w", err)
	}

	if status == model.RecipientFailed {
		log.Warn("message failed after send", "error", *patch.LastError)
		if err := c.downgradeCompleted(ctx, ref.JobID); err != nil {
			return "", err
		}
	}
	log.Debug("status event applied")
	return OutcomeApplied, nil
}

func (c *Correlator) resolve(ctx context.Context, providerMessageID string) (model.RecipientRef, error) {
	if providerMessageID == "" {
		return model.RecipientRef{}, ErrCorrelationMiss
	}

	if c.index != nil {
		ref, ok, err := c.index.Lookup(ctx, providerMessageID)
		switch {
		case err != nil:
			c.log.Warn("message index lookup failed, falling back to store",
				"provider_message_id", providerMessageID,
				"error", err,
			)
		case ok:
			return ref, nil
		}
	}

	ref, err := c.store.FindByMessageID(ctx, providerMessageID)
	if errors.Is(err, repo.ErrMessageNotFound) {
		return ref, ErrCorrelationMiss
	}
	if err != nil {
		return ref, fmt.Errorf("find message: %w", err)
	}
	return ref, nil
}

// downgradeCompleted turns a completed job into completed_with_errors once
// one of its messages fails after the job finished.
func (c *Correlator) downgradeCompleted(ctx context.Context, jobID string) error {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != model.JobCompleted {
		return nil
	}
	err = c.store.SetStatus(ctx, jobID, model.JobCompletedWithErrors, "")
	if err != nil && !errors.Is(err, repo.ErrTransitionRejected) {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func describeErrors(errs []EventError) string {
	if len(errs) == 0 {
		return "provider reported failure"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Message
		if msg == "" {
			msg = e.Title
		}
		parts = append(parts, fmt.Sprintf("%d: %s", e.Code, msg))
	}
	return strings.Join(parts, "; ")
}
