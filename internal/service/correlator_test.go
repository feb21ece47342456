package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/wa-bulk-sender/internal/cache"
	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
	"github.com/LeventeLantos/wa-bulk-sender/internal/service"
)

// sentJob stores a completed job whose recipients were sent as wamid.<index>.
func sentJob(t *testing.T, store repo.JobStore, n int) string {
	t.Helper()
	ctx := context.Background()

	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{Phone: "+1555000" + string(rune('0'+i))}
	}
	id, err := store.Create(ctx, model.NewJob{Recipients: recipients})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := range recipients {
		err := store.UpdateRecipient(ctx, id, i, model.RecipientPatch{
			Status:            model.Ptr(model.RecipientSent),
			Attempts:          model.Ptr(1),
			ProviderMessageID: model.Ptr("wamid." + string(rune('0'+i))),
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if err := store.SetStatus(ctx, id, model.JobCompleted, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	return id
}

func recipientStatus(t *testing.T, store repo.JobStore, id string, index int) model.Recipient {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return job.Recipients[index]
}

func handle(t *testing.T, c *service.Correlator, id, status string) service.Outcome {
	t.Helper()
	out, err := c.Handle(context.Background(), service.StatusEvent{
		MessageID: id,
		Status:    status,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error handling %s/%s: %v", id, status, err)
	}
	return out
}

func TestCorrelator_AdvancesMonotonically(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	id := sentJob(t, store, 1)
	c := service.NewCorrelator(store, testLogger())

	steps := []struct {
		status string
		want   service.Outcome
		state  model.RecipientStatus
	}{
		{"delivered", service.OutcomeApplied, model.RecipientDelivered},
		{"delivered", service.OutcomeDuplicate, model.RecipientDelivered},
		{"READ", service.OutcomeApplied, model.RecipientRead},
		{"delivered", service.OutcomeDuplicate, model.RecipientRead},
		{"sent", service.OutcomeDuplicate, model.RecipientRead},
		{"failed", service.OutcomeDuplicate, model.RecipientRead},
		{"deleted", service.OutcomeIgnored, model.RecipientRead},
	}

	for _, s := range steps {
		if got := handle(t, c, "wamid.0", s.status); got != s.want {
			t.Fatalf("%s: expected outcome %s, got %s", s.status, s.want, got)
		}
		if r := recipientStatus(t, store, id, 0); r.Status != s.state {
			t.Fatalf("after %s: expected %s, got %s", s.status, s.state, r.Status)
		}
	}
}

func TestCorrelator_ReadWithoutDelivered(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	id := sentJob(t, store, 1)
	c := service.NewCorrelator(store, testLogger())

	if got := handle(t, c, "wamid.0", "read"); got != service.OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}
	if got := handle(t, c, "wamid.0", "delivered"); got != service.OutcomeDuplicate {
		t.Fatalf("expected late delivered to be dropped, got %s", got)
	}
	if r := recipientStatus(t, store, id, 0); r.Status != model.RecipientRead {
		t.Fatalf("expected read, got %s", r.Status)
	}
}

func TestCorrelator_UnknownMessageIsNoOp(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	id := sentJob(t, store, 1)
	before, _ := store.Get(context.Background(), id)

	c := service.NewCorrelator(store, testLogger())
	if got := handle(t, c, "wamid.unknown", "delivered"); got != service.OutcomeMiss {
		t.Fatalf("expected miss, got %s", got)
	}
	if got := handle(t, c, "", "delivered"); got != service.OutcomeMiss {
		t.Fatalf("expected miss for empty id, got %s", got)
	}

	after, _ := store.Get(context.Background(), id)
	if after.Recipients[0].Status != before.Recipients[0].Status || after.Status != before.Status {
		t.Fatalf("expected no change, before=%+v after=%+v", before, after)
	}
}

func TestCorrelator_FailedDowngradesCompletedJob(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	id := sentJob(t, store, 2)
	c := service.NewCorrelator(store, testLogger())

	out, err := c.Handle(context.Background(), service.StatusEvent{
		MessageID: "wamid.1",
		Status:    "failed",
		Errors:    []service.EventError{{Code: 131026, Title: "Message undeliverable"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != service.OutcomeApplied {
		t.Fatalf("expected applied, got %s", out)
	}

	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != model.JobCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", job.Status)
	}
	r := job.Recipients[1]
	if r.Status != model.RecipientFailed || !strings.Contains(r.LastError, "131026") {
		t.Fatalf("unexpected recipient: %+v", r)
	}
	if job.Recipients[0].Status != model.RecipientSent {
		t.Fatalf("expected other recipient untouched, got %+v", job.Recipients[0])
	}
}

func TestCorrelator_ConcurrentEventsOnOneJob(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	id := sentJob(t, store, 8)
	c := service.NewCorrelator(store, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = c.Handle(context.Background(), service.StatusEvent{
				MessageID: "wamid." + string(rune('0'+i)),
				Status:    "delivered",
			})
		}(i)
	}
	wg.Wait()

	job, _ := store.Get(context.Background(), id)
	if got := job.Counts().Delivered; got != 8 {
		t.Fatalf("expected 8 delivered, got %d", got)
	}
}

func TestCorrelator_UsesMessageIndex(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	idx := cache.NewRedisIndex(rdb, time.Hour)

	store := repo.NewMemoryJobStore()
	ctx := context.Background()
	id, err := store.Create(ctx, model.NewJob{Recipients: []model.Recipient{{Phone: "+1"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Sent without a provider id in the store: only the index knows it.
	if err := store.UpdateRecipient(ctx, id, 0, model.RecipientPatch{Status: model.Ptr(model.RecipientSent)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := idx.Put(ctx, "wamid.cached", model.RecipientRef{JobID: id, Index: 0}); err != nil {
		t.Fatalf("put: %v", err)
	}

	c := service.NewCorrelator(store, testLogger()).WithIndex(idx)
	if got := handle(t, c, "wamid.cached", "delivered"); got != service.OutcomeApplied {
		t.Fatalf("expected applied through the index, got %s", got)
	}

	mr.Close()
	if got := handle(t, c, "wamid.other", "delivered"); got != service.OutcomeMiss {
		t.Fatalf("expected store fallback miss when redis is down, got %s", got)
	}
}
