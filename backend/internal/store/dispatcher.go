package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/metrics"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/sem"
)

// CheckpointDispatcher decouples checkpoint writes from the session loop:
// bounded local queue, worker pool, capped exponential retry. A full queue
// or exhausted retries drop the write; checkpoints are an optimization and
// the log remains the source of truth.
type CheckpointDispatcher struct {
	store CheckpointStore
	queue chan CheckpointJob

	// storeSem limits concurrent Put calls across workers.
	storeSem *sem.Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type CheckpointJob struct {
	SessionID string
	Offset    int64
	State     []byte
}

type CheckpointDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewCheckpointDispatcher(store CheckpointStore, storeSem *sem.Semaphore, opt CheckpointDispatcherOptions) *CheckpointDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &CheckpointDispatcher{
		store:       store,
		queue:       make(chan CheckpointJob, opt.QueueSize),
		storeSem:    storeSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue queues a checkpoint write, waiting at most until ctx expires when
// the queue is full.
func (d *CheckpointDispatcher) Enqueue(ctx context.Context, job CheckpointJob) error {
	select {
	case d.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *CheckpointDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *CheckpointDispatcher) workerLoop(workerID int) {
	for job := range d.queue {
		d.putWithRetry(workerID, job)
	}
}

func (d *CheckpointDispatcher) putWithRetry(workerID int, job CheckpointJob) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.storeSem != nil {
			_ = d.storeSem.Acquire(context.Background())
		}
		err := d.store.Put(context.Background(), job.SessionID, job.Offset, job.State)
		if d.storeSem != nil {
			_ = d.storeSem.Release()
		}
		if err == nil {
			metrics.CheckpointsWritten.Inc()
			return
		}
		if attempt == d.maxRetry {
			metrics.CheckpointsDropped.Inc()
			zap.S().Warnw("checkpoint write failed, dropping",
				"session", job.SessionID, "offset", job.Offset, "worker", workerID, "error", err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}
