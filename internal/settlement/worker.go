package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"eco-arena-server/internal/model"
)

// Records persists settlement outcomes.
type Records interface {
	MarkConfirmed(ctx context.Context, correlationID, externalRef string) (*model.Settlement, error)
	MarkFailed(ctx context.Context, correlationID, reason string) (*model.Settlement, error)
}

// Job is one transfer to attempt, keyed by the correlation id of the debit
// that already committed.
type Job struct {
	CorrelationID string
	UserID        string
	WalletRef     string
	Amount        int64
}

// Config holds worker tuning.
type Config struct {
	CallTimeout   time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	QueueSize     int
}

// Worker drains settlement jobs in the background. Each external call gets
// its own timeout; between failed attempts the worker backs off, and after
// MaxAttempts the job stays recorded as failed until an explicit retry
// re-enqueues it.
type Worker struct {
	settler Settler
	repo    Records
	cfg     Config

	jobs chan Job
	wg   sync.WaitGroup
}

// NewWorker creates a settlement worker.
func NewWorker(settler Settler, repo Records, cfg Config) *Worker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Worker{
		settler: settler,
		repo:    repo,
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
	}
}

// Enqueue hands a job to the worker without blocking.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the drain loop. It stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-w.jobs:
				w.process(ctx, job)
			}
		}
	}()
	log.Info().Msg("Settlement worker started")
}

// Wait blocks until the drain loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) process(ctx context.Context, job Job) {
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		res, err := w.settler.Settle(callCtx, job.UserID, job.WalletRef, job.Amount)
		cancel()

		switch {
		case err == nil && res.Success:
			if _, rerr := w.repo.MarkConfirmed(ctx, job.CorrelationID, res.ExternalRef); rerr != nil {
				log.Error().Err(rerr).Str("correlation_id", job.CorrelationID).Msg("Failed to record settlement confirmation")
			}
			log.Info().
				Str("correlation_id", job.CorrelationID).
				Str("external_ref", res.ExternalRef).
				Int("attempt", attempt).
				Msg("Settlement confirmed")
			return

		case err == nil:
			w.recordFailure(ctx, job, res.Reason, attempt)

		default:
			if ctx.Err() != nil {
				// Shutting down; the job stays pending/failed in storage.
				return
			}
			w.recordFailure(ctx, job, err.Error(), attempt)
		}

		if attempt < w.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryInterval):
			}
		}
	}

	log.Warn().
		Str("correlation_id", job.CorrelationID).
		Int("attempts", w.cfg.MaxAttempts).
		Msg("Settlement attempts exhausted, awaiting explicit retry")
}

func (w *Worker) recordFailure(ctx context.Context, job Job, reason string, attempt int) {
	if _, err := w.repo.MarkFailed(ctx, job.CorrelationID, reason); err != nil {
		log.Error().Err(err).Str("correlation_id", job.CorrelationID).Msg("Failed to record settlement failure")
	}
	log.Warn().
		Str("correlation_id", job.CorrelationID).
		Str("reason", reason).
		Int("attempt", attempt).
		Msg("Settlement attempt failed")
}
