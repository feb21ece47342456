// Package retention periodically removes finished jobs past their retention
// window.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/wa-bulk-sender/internal/metrics"
)

type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Sweeper struct {
	store    Purger
	interval time.Duration
	maxAge   time.Duration
	log      *slog.Logger
	now      func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Purger, interval, maxAge time.Duration, log *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if maxAge <= 0 {
		return nil, errors.New("max age must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

// Start runs a sweep immediately and then once per interval.
func (s *Sweeper) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("retention sweeper started", "interval", s.interval.String(), "max_age", s.maxAge.String())

		s.safeSweep(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeSweep(ctx)
			}
		}
	}()

	return true
}

func (s *Sweeper) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("retention sweeper stopped")
	return true
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// Sweep deletes jobs that finished more than maxAge ago.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.PurgeFinishedBefore(ctx, s.now().Add(-s.maxAge))
	if err != nil {
		return 0, err
	}
	metrics.JobsPurged.Add(float64(n))
	return n, nil
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("retention sweep panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	n, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("retention sweep failed", "error", err)
		}
		return
	}
	s.log.Info("retention sweep completed", "purged", n, "duration_ms", time.Since(start).Milliseconds())
}
