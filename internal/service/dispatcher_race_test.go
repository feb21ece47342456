package service_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/client"
	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
	"github.com/LeventeLantos/wa-bulk-sender/internal/service"
)

// hookStore lets a test step into the dispatcher's store calls. A non-nil
// error from beforeUpdate is returned without touching the wrapped store.
type hookStore struct {
	repo.JobStore

	beforeUpdate func(id string, index int, patch model.RecipientPatch) error
	afterGet     func(job *model.Job)
}

func (h *hookStore) UpdateRecipient(ctx context.Context, id string, index int, patch model.RecipientPatch) error {
	if h.beforeUpdate != nil {
		if err := h.beforeUpdate(id, index, patch); err != nil {
			return err
		}
	}
	return h.JobStore.UpdateRecipient(ctx, id, index, patch)
}

func (h *hookStore) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := h.JobStore.Get(ctx, id)
	if err == nil && h.afterGet != nil {
		h.afterGet(job)
	}
	return job, err
}

func isRetryWrite(p model.RecipientPatch) bool {
	return p.Status != nil && *p.Status == model.RecipientPending &&
		slices.Contains(p.ExpectStatus, model.RecipientSending)
}

// blockingClient holds every send until its context is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingClient) Send(ctx context.Context, msg client.Message) (string, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDispatcher_AbortFailsRecipientAwaitingRetry(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryJobStore()
	store := &hookStore{
		JobStore: mem,
		beforeUpdate: func(_ string, _ int, p model.RecipientPatch) error {
			if isRetryWrite(p) {
				time.Sleep(100 * time.Millisecond)
			}
			return nil
		},
	}
	fc := &fakeClient{fn: func(call int, msg client.Message) (string, error) {
		if msg.To == "+15550002" {
			time.Sleep(30 * time.Millisecond)
			return "", &client.ProviderError{Kind: client.KindAuth, StatusCode: 401, Message: "invalid token"}
		}
		if call == 1 {
			return "", providerErr(client.KindTransient)
		}
		return "wamid.ok", nil
	}}
	opts := testOptions()
	opts.Concurrency = 2
	opts.RetryLimit = 3
	d := startDispatcher(t, store, fc, opts)

	sub, err := d.Submit(context.Background(), service.SubmitRequest{
		Rows: [][]string{{"+15550001"}, {"+15550002"}},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForJob(t, mem, sub.JobID, func(j *model.Job) bool {
		return j.Status == model.JobFailed && j.Counts().Failed == j.Total
	})
	r := job.Recipients[0]
	if r.Attempts != 1 || !strings.HasPrefix(r.LastError, "job aborted: provider authentication failed") {
		t.Fatalf("expected recipient awaiting retry to be aborted, got %+v", r)
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(fc.Calls()); n != 2 {
		t.Fatalf("expected no sends after abort, got %d", n)
	}
}

func TestDispatcher_LateFailedWebhookDowngradesJob(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryJobStore()
	corr := service.NewCorrelator(mem, testLogger())

	var once sync.Once
	var outcome atomic.Value
	store := &hookStore{
		JobStore: mem,
		afterGet: func(job *model.Job) {
			if job.Status != model.JobRunning || job.Counts().Sent != job.Total {
				return
			}
			once.Do(func() {
				out, err := corr.Handle(context.Background(), service.StatusEvent{
					MessageID: "wamid.late",
					Status:    "failed",
					Timestamp: time.Now(),
				})
				if err != nil {
					t.Errorf("handle failed event: %v", err)
				}
				outcome.Store(out)
			})
		},
	}
	fc := &fakeClient{fn: func(int, client.Message) (string, error) { return "wamid.late", nil }}
	d := startDispatcher(t, store, fc, testOptions())

	sub, err := d.Submit(context.Background(), service.SubmitRequest{Rows: [][]string{{"+15550001"}}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForJob(t, mem, sub.JobID, func(j *model.Job) bool {
		return j.Status == model.JobCompletedWithErrors
	})
	if out, _ := outcome.Load().(service.Outcome); out != service.OutcomeApplied {
		t.Fatalf("expected the failed event to apply, got %v", outcome.Load())
	}
	if r := job.Recipients[0]; r.Status != model.RecipientFailed {
		t.Fatalf("expected failed recipient, got %+v", r)
	}
}

func TestDispatcher_StoreWriteFailureAbortsJob(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryJobStore()
	var failedWrites atomic.Int64
	store := &hookStore{
		JobStore: mem,
		beforeUpdate: func(_ string, _ int, p model.RecipientPatch) error {
			if p.Status != nil && *p.Status == model.RecipientSent {
				failedWrites.Add(1)
				return errors.New("disk I/O error")
			}
			return nil
		},
	}
	fc := &fakeClient{}
	opts := testOptions()
	opts.StoreRetries = 2
	d := startDispatcher(t, store, fc, opts)

	sub, err := d.Submit(context.Background(), service.SubmitRequest{
		Rows: [][]string{{"+15550001"}, {"+15550002"}},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForJob(t, mem, sub.JobID, func(j *model.Job) bool {
		return j.Status == model.JobFailed && j.Recipients[1].Status == model.RecipientFailed
	})
	if job.Error != "job store write failed: disk I/O error" {
		t.Fatalf("unexpected job error %q", job.Error)
	}
	if n := failedWrites.Load(); n != 2 {
		t.Fatalf("expected 2 write attempts, got %d", n)
	}
	if r := job.Recipients[1]; r.Attempts != 0 || !strings.HasPrefix(r.LastError, "job aborted: job store write failed") {
		t.Fatalf("expected unsent recipient to be aborted, got %+v", r)
	}
	if n := len(fc.Calls()); n != 1 {
		t.Fatalf("expected a single send, got %d", n)
	}
}

func TestDispatcher_CloseReturnsInFlightToPending(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryJobStore()
	bc := &blockingClient{started: make(chan struct{})}
	opts := testOptions()
	opts.RetryLimit = 2
	d := startDispatcher(t, store, bc, opts)

	sub, err := d.Submit(context.Background(), service.SubmitRequest{Rows: [][]string{{"+15550001"}}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	select {
	case <-bc.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("send never started")
	}
	d.Close()

	job, err := store.Get(context.Background(), sub.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != model.JobRunning {
		t.Fatalf("expected job left running for resume, got %s", job.Status)
	}
	r := job.Recipients[0]
	if r.Status != model.RecipientPending || r.Attempts != 0 || r.LastError != "" {
		t.Fatalf("expected recipient handed back uncounted, got %+v", r)
	}
}

func TestDispatcher_HonoursRetryAfterHint(t *testing.T) {
	t.Parallel()

	const hint = 150 * time.Millisecond

	var mu sync.Mutex
	var sentAt []time.Time
	fc := &fakeClient{fn: func(call int, _ client.Message) (string, error) {
		mu.Lock()
		sentAt = append(sentAt, time.Now())
		mu.Unlock()
		if call == 1 {
			return "", &client.ProviderError{Kind: client.KindRateLimited, StatusCode: 429, Message: "slow down", RetryAfter: hint}
		}
		return "wamid.ok", nil
	}}
	store := repo.NewMemoryJobStore()
	opts := testOptions()
	opts.RetryLimit = 1
	d := startDispatcher(t, store, fc, opts)

	sub, err := d.Submit(context.Background(), service.SubmitRequest{Rows: [][]string{{"+15550001"}}})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForJob(t, store, sub.JobID, finished)
	if job.Status != model.JobCompleted || job.Recipients[0].Attempts != 2 {
		t.Fatalf("expected completion on the second attempt, got %s %+v", job.Status, job.Recipients[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sentAt) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sentAt))
	}
	if gap := sentAt[1].Sub(sentAt[0]); gap < hint {
		t.Fatalf("expected retry no sooner than %s, got %s", hint, gap)
	}
}

func TestDispatcher_RecipientSettledElsewhereStillCompletesJob(t *testing.T) {
	t.Parallel()

	mem := repo.NewMemoryJobStore()
	var once sync.Once
	store := &hookStore{
		JobStore: mem,
		beforeUpdate: func(id string, i int, p model.RecipientPatch) error {
			if i != 0 || p.Status == nil || *p.Status != model.RecipientSending {
				return nil
			}
			once.Do(func() {
				err := mem.UpdateRecipient(context.Background(), id, 0, model.RecipientPatch{
					Status:       model.Ptr(model.RecipientFailed),
					LastError:    model.Ptr("cancelled"),
					ExpectStatus: []model.RecipientStatus{model.RecipientPending},
				})
				if err != nil {
					t.Errorf("settle recipient: %v", err)
				}
			})
			return nil
		},
	}
	fc := &fakeClient{}
	d := startDispatcher(t, store, fc, testOptions())

	sub, err := d.Submit(context.Background(), service.SubmitRequest{
		Rows: [][]string{{"+15550001"}, {"+15550002"}},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	job := waitForJob(t, mem, sub.JobID, finished)
	if job.Status != model.JobCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", job.Status)
	}
	if r := job.Recipients[1]; r.Status != model.RecipientSent {
		t.Fatalf("expected second recipient sent, got %+v", r)
	}
	if n := len(fc.Calls()); n != 1 {
		t.Fatalf("expected a single send, got %d", n)
	}
}
