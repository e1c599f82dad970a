// Package worker runs the queue-driven verification loop: pop a chunk
// payload, fan out per-address checks under the concurrency governor,
// persist the chunk's verdicts in one idempotent transaction, and
// publish live progress to the broker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/governor"
	"github.com/khalith/mailscout/internal/pkg/logger"
	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
	"github.com/khalith/mailscout/internal/verifier"
)

const (
	// Progress is published every this many completions and at chunk end.
	progressEvery = 50
	// How many times a chunk persist is attempted before the payload
	// goes back on the queue.
	persistAttempts = 3
)

// Verifier is the per-address kernel surface the worker drives.
type Verifier interface {
	Verify(ctx context.Context, email string) verifier.Verdict
}

// Worker is the long-lived queue consumer. One Worker processes one
// payload at a time; parallelism lives inside the chunk fan-out, bounded
// by the governor's global semaphore. Fleet-level throughput comes from
// running more worker processes, which the autoscaler takes care of.
type Worker struct {
	broker *queue.Broker
	store  *store.Store
	kernel Verifier
	gov    *governor.Governor

	popTimeout     time.Duration
	persistBackoff time.Duration

	// Stats
	chunksProcessed   int64
	verdictsPersisted int64
	payloadsRequeued  int64
	payloadsDropped   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a worker. It does not start consuming until Start.
func New(cfg config.WorkerConfig, broker *queue.Broker, st *store.Store, kernel Verifier, gov *governor.Governor) *Worker {
	popTimeout := cfg.PopTimeout()
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Worker{
		broker:         broker,
		store:          st,
		kernel:         kernel,
		gov:            gov,
		popTimeout:     popTimeout,
		persistBackoff: time.Second,
	}
}

// Start launches the pop loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[Worker] Starting pop loop (pop_timeout=%s)", w.popTimeout)
	w.wg.Add(1)
	go w.run()
}

// Stop cancels in-flight verification tasks and waits for the pop loop
// to exit. A payload popped but not yet committed is requeued on the way
// out, so redelivery picks it up.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[Worker] Stopped. Chunks: %d, verdicts: %d, requeued: %d, dropped: %d",
		atomic.LoadInt64(&w.chunksProcessed), atomic.LoadInt64(&w.verdictsPersisted),
		atomic.LoadInt64(&w.payloadsRequeued), atomic.LoadInt64(&w.payloadsDropped))
}

// Stats returns current counters.
func (w *Worker) Stats() map[string]int64 {
	return map[string]int64{
		"chunks_processed":   atomic.LoadInt64(&w.chunksProcessed),
		"verdicts_persisted": atomic.LoadInt64(&w.verdictsPersisted),
		"payloads_requeued":  atomic.LoadInt64(&w.payloadsRequeued),
		"payloads_dropped":   atomic.LoadInt64(&w.payloadsDropped),
	}
}

// run is the pop loop. A pop timeout on an empty queue is the idle path;
// broker errors back off briefly before the next attempt (the client
// redials internally). Malformed payloads are dropped, not requeued:
// they would poison the queue forever.
func (w *Worker) run() {
	defer w.wg.Done()

	for {
		p, ok, err := w.broker.Pop(w.ctx, w.popTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrMalformedPayload) {
				atomic.AddInt64(&w.payloadsDropped, 1)
				log.Printf("[Worker] Dropping malformed payload: %v", err)
				continue
			}
			log.Printf("[Worker] Queue pop error: %v — backing off 1s", err)
			select {
			case <-time.After(time.Second):
			case <-w.ctx.Done():
				return
			}
			continue
		}
		if !ok {
			// Empty queue for the full pop window.
			if w.ctx.Err() != nil {
				return
			}
			continue
		}

		w.processPayload(p)

		if w.ctx.Err() != nil {
			return
		}
	}
}

// processPayload runs one chunk end to end: load the job, fan out the
// addresses, persist the verdicts. Any failure after the pop decides
// between dropping (data errors) and requeueing (transient errors).
func (w *Worker) processPayload(p queue.Payload) {
	job, err := w.store.GetJob(w.ctx, p.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		atomic.AddInt64(&w.payloadsDropped, 1)
		log.Printf("[Worker] Job %s is gone, dropping %d-address payload", p.JobID, len(p.Emails))
		return
	}
	if err != nil {
		// DB trouble before any work happened: the chunk goes back whole.
		log.Printf("[Worker] Load job %s: %v", p.JobID, err)
		w.requeue(p)
		return
	}
	if job.Status == store.StatusCancelled {
		atomic.AddInt64(&w.payloadsDropped, 1)
		log.Printf("[Worker] Job %s cancelled, dropping %d-address payload", p.JobID, len(p.Emails))
		return
	}
	if job.Status == store.StatusQueued {
		if err := w.store.MarkProcessing(w.ctx, p.JobID); err != nil {
			log.Printf("[Worker] Mark job %s processing: %v", p.JobID, err)
		}
	}

	logger.Debug("processing chunk", "job_id", p.JobID, "chunk_size", len(p.Emails))

	verdicts, finished := w.verifyChunk(p)
	if !finished {
		// Shutdown interrupted the fan-out. Nothing was committed, so
		// redelivery reprocesses the chunk without double-counting.
		w.requeue(p)
		return
	}

	if err := w.persistWithRetry(p.JobID, verdicts); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			atomic.AddInt64(&w.payloadsDropped, 1)
			log.Printf("[Worker] Job %s vanished during persist, dropping chunk", p.JobID)
			return
		}
		log.Printf("[Worker] Persist chunk for job %s: %v", p.JobID, err)
		w.requeue(p)
		return
	}
	atomic.AddInt64(&w.chunksProcessed, 1)
}

// verifyChunk fans the payload's addresses out as parallel tasks, each
// holding a global governor slot, and gathers verdicts as they complete.
// The results channel is buffered to the chunk size so task goroutines
// never block on a collector that has already given up. finished is
// false when shutdown cancelled the fan-out.
func (w *Worker) verifyChunk(p queue.Payload) (verdicts []verifier.Verdict, finished bool) {
	results := make(chan verifier.Verdict, len(p.Emails))

	launched := 0
	for _, email := range p.Emails {
		if err := w.gov.AcquireGlobal(w.ctx); err != nil {
			break
		}
		launched++
		go func(email string) {
			defer w.gov.ReleaseGlobal()
			results <- w.kernel.Verify(w.ctx, email)
		}(email)
	}

	verdicts = make([]verifier.Verdict, 0, launched)
	for len(verdicts) < launched {
		select {
		case v := <-results:
			verdicts = append(verdicts, v)
			if len(verdicts)%progressEvery == 0 {
				w.publishProgress(p.JobID, len(verdicts), len(p.Emails))
			}
		case <-w.ctx.Done():
			return verdicts, false
		}
	}
	if launched < len(p.Emails) || w.ctx.Err() != nil {
		return verdicts, false
	}

	w.publishProgress(p.JobID, len(verdicts), len(p.Emails))
	return verdicts, true
}

// publishProgress writes the live chunk progress hash. Failures are
// logged and swallowed: the durable count lives in the database.
func (w *Worker) publishProgress(jobID string, processed, chunkSize int) {
	if err := w.broker.WriteProgress(w.ctx, jobID, processed, chunkSize); err != nil {
		log.Printf("[Worker] Progress write for job %s: %v", jobID, err)
	}
}

// persistWithRetry commits the chunk's verdicts, retrying transient
// database failures with a linear backoff before giving up.
func (w *Worker) persistWithRetry(jobID string, verdicts []verifier.Verdict) error {
	results := make([]store.Result, 0, len(verdicts))
	for _, v := range verdicts {
		checks, err := json.Marshal(v.Checks)
		if err != nil {
			checks = []byte(`{}`)
		}
		results = append(results, store.Result{
			JobID:      jobID,
			Email:      v.Email,
			Normalized: v.Normalized,
			Status:     v.Status,
			Score:      v.Score,
			Checks:     checks,
		})
	}

	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		inserted, completed, err := w.store.PersistChunk(w.ctx, jobID, results)
		if err == nil {
			atomic.AddInt64(&w.verdictsPersisted, int64(inserted))
			logger.Debug("chunk persisted", "job_id", jobID, "inserted", inserted, "chunk_size", len(results))
			if completed {
				log.Printf("[Worker] Job %s completed", jobID)
			}
			return nil
		}
		if errors.Is(err, store.ErrJobNotFound) {
			return err
		}
		lastErr = err
		if attempt < persistAttempts {
			log.Printf("[Worker] Persist attempt %d/%d for job %s failed: %v", attempt, persistAttempts, jobID, err)
			select {
			case <-time.After(time.Duration(attempt) * w.persistBackoff):
			case <-w.ctx.Done():
				return w.ctx.Err()
			}
		}
	}
	return lastErr
}

// requeue puts a payload back on the queue tail. During shutdown the
// worker context is already gone, so the push gets its own short
// deadline. A failed requeue is logged and dropped: the addresses are
// lost until the list is resubmitted.
func (w *Worker) requeue(p queue.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.broker.Requeue(ctx, p); err != nil {
		log.Printf("[Worker] Requeue for job %s failed, %d addresses not recovered: %v",
			p.JobID, len(p.Emails), err)
		return
	}
	atomic.AddInt64(&w.payloadsRequeued, 1)
}
