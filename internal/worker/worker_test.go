package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/governor"
	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
	"github.com/khalith/mailscout/internal/verifier"
)

// stubKernel returns a syntax-only verdict for every address. With block
// set it parks in Verify until the context is cancelled, standing in for
// slow SMTP probes during shutdown tests.
type stubKernel struct {
	verifyCount int64
	block       bool
}

func (s *stubKernel) Verify(ctx context.Context, email string) verifier.Verdict {
	atomic.AddInt64(&s.verifyCount, 1)
	if s.block {
		<-ctx.Done()
	}
	v := verifier.Verdict{Email: email, Normalized: strings.ToLower(strings.TrimSpace(email))}
	v.Checks.Syntax = true
	v.Score, v.Status = verifier.ScoreChecks(v.Checks)
	return v
}

func setupWorkerTest(t *testing.T, kernel *stubKernel) (*Worker, sqlmock.Sqlmock, *miniredis.Miniredis, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	broker := queue.NewBrokerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	w := New(config.WorkerConfig{PopTimeoutSeconds: 1}, broker, store.New(db), kernel, governor.New(0, 0, 0, 0, 0))
	w.persistBackoff = time.Millisecond
	// Tests drive processPayload directly, so the control context is set
	// up front; Start replaces it for the loop tests.
	w.ctx, w.cancel = context.WithCancel(context.Background())

	cleanup := func() {
		w.cancel()
		broker.Close()
		mr.Close()
		db.Close()
	}
	return w, mock, mr, cleanup
}

func jobRows(id string, total, processed int, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "filename", "total_count", "processed_count", "status", "meta", "created_at",
	}).AddRow(id, "", "list.csv", total, processed, status, "", time.Now().UTC())
}

func TestProcessPayloadPersistsAndCompletes(t *testing.T) {
	kernel := &stubKernel{}
	w, mock, mr, cleanup := setupWorkerTest(t, kernel)
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", 1, 0, store.StatusQueued))
	mock.ExpectExec("UPDATE uploads SET status").
		WithArgs(store.StatusProcessing, "job-1", store.StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT email FROM email_results").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))
	mock.ExpectExec("INSERT INTO email_results").
		WithArgs("job-1", "User@Example.com", "user@example.com", verifier.StatusRisky, 30, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE uploads SET processed_count").
		WithArgs(1, "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"processed_count", "total_count"}).AddRow(1, 1))
	mock.ExpectExec("UPDATE uploads SET status").
		WithArgs(store.StatusCompleted, "job-1", store.StatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w.processPayload(queue.Payload{JobID: "job-1", Emails: []string{"User@Example.com"}})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), w.Stats()["chunks_processed"])
	assert.Equal(t, int64(1), w.Stats()["verdicts_persisted"])
	assert.Equal(t, int64(1), atomic.LoadInt64(&kernel.verifyCount))

	// Final progress reflects the whole chunk.
	assert.Equal(t, "1", mr.HGet("progress:job-1", "processed_in_chunk"))
	assert.Equal(t, "1", mr.HGet("progress:job-1", "chunk_size"))
}

func TestProcessPayloadJobMissingDropsChunk(t *testing.T) {
	w, mock, mr, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("purged").
		WillReturnError(sql.ErrNoRows)

	w.processPayload(queue.Payload{JobID: "purged", Emails: []string{"a@example.com"}})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), w.Stats()["payloads_dropped"])
	// Nothing was requeued.
	raw, _ := mr.List(queue.DefaultQueueKey)
	assert.Empty(t, raw)
}

func TestProcessPayloadCancelledJobDropsChunk(t *testing.T) {
	kernel := &stubKernel{}
	w, mock, _, cleanup := setupWorkerTest(t, kernel)
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", 10, 4, store.StatusCancelled))

	w.processPayload(queue.Payload{JobID: "job-1", Emails: []string{"a@example.com"}})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), w.Stats()["payloads_dropped"])
	assert.Zero(t, atomic.LoadInt64(&kernel.verifyCount), "no verification for a cancelled job")
}

func TestProcessPayloadPersistFailureRequeues(t *testing.T) {
	w, mock, mr, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", 5, 0, store.StatusProcessing))
	for i := 0; i < persistAttempts; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	}

	w.processPayload(queue.Payload{JobID: "job-1", Emails: []string{"a@example.com"}})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), w.Stats()["payloads_requeued"])
	assert.Zero(t, w.Stats()["chunks_processed"])

	raw, err := mr.List(queue.DefaultQueueKey)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Contains(t, raw[0], `"job-1"`)
}

func TestProcessPayloadPersistRetryRecovers(t *testing.T) {
	w, mock, mr, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", 5, 0, store.StatusProcessing))
	// First attempt dies at Begin; the second goes through.
	mock.ExpectBegin().WillReturnError(errors.New("server is restarting"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT email FROM email_results").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))
	mock.ExpectExec("INSERT INTO email_results").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE uploads SET processed_count").
		WithArgs(1, "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"processed_count", "total_count"}).AddRow(1, 5))
	mock.ExpectCommit()

	w.processPayload(queue.Payload{JobID: "job-1", Emails: []string{"a@example.com"}})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), w.Stats()["chunks_processed"])
	assert.Zero(t, w.Stats()["payloads_requeued"])
	raw, _ := mr.List(queue.DefaultQueueKey)
	assert.Empty(t, raw)
}

func TestVerifyChunkProgressCadence(t *testing.T) {
	kernel := &stubKernel{}
	w, _, mr, cleanup := setupWorkerTest(t, kernel)
	defer cleanup()

	emails := make([]string, 120)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@example.com", i)
	}

	verdicts, finished := w.verifyChunk(queue.Payload{JobID: "job-1", Emails: emails})
	require.True(t, finished)
	assert.Len(t, verdicts, 120)
	assert.Equal(t, int64(120), atomic.LoadInt64(&kernel.verifyCount))

	// 50, 100, then the end-of-chunk write.
	assert.Equal(t, "120", mr.HGet("progress:job-1", "processed_in_chunk"))
	assert.Equal(t, "120", mr.HGet("progress:job-1", "chunk_size"))
}

func TestVerifyChunkProgressWriteFailureIsNonFatal(t *testing.T) {
	w, _, mr, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	// Take the broker down: progress writes fail, verification continues.
	mr.Close()

	verdicts, finished := w.verifyChunk(queue.Payload{JobID: "job-1", Emails: []string{"a@example.com", "b@example.com"}})
	require.True(t, finished)
	assert.Len(t, verdicts, 2)
}

func TestRunLoopDropsMalformedPayload(t *testing.T) {
	w, _, mr, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	mr.Lpush(queue.DefaultQueueKey, "{broken")

	w.Start()
	require.Eventually(t, func() bool {
		return w.Stats()["payloads_dropped"] == 1
	}, 3*time.Second, 10*time.Millisecond)
	w.Stop()

	raw, _ := mr.List(queue.DefaultQueueKey)
	assert.Empty(t, raw, "poison entry must not be requeued")
}

func TestStopRequeuesInFlightPayload(t *testing.T) {
	kernel := &stubKernel{block: true}
	w, mock, mr, cleanup := setupWorkerTest(t, kernel)
	defer cleanup()

	mock.ExpectQuery("FROM uploads WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows("job-1", 3, 0, store.StatusProcessing))

	p := queue.Payload{JobID: "job-1", Emails: []string{"a@example.com", "b@example.com", "c@example.com"}}
	broker := w.broker
	require.NoError(t, broker.Enqueue(context.Background(), p))

	w.Start()
	// Wait until the chunk is in flight, then shut down mid-verification.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&kernel.verifyCount) > 0
	}, 3*time.Second, 10*time.Millisecond)
	w.Stop()

	raw, err := mr.List(queue.DefaultQueueKey)
	require.NoError(t, err)
	require.Len(t, raw, 1, "uncommitted payload must be requeued on shutdown")
	assert.Contains(t, raw[0], `"job-1"`)
	assert.Equal(t, int64(1), w.Stats()["payloads_requeued"])
	assert.Zero(t, w.Stats()["chunks_processed"])
}

func TestStartStopIdempotent(t *testing.T) {
	w, _, _, cleanup := setupWorkerTest(t, &stubKernel{})
	defer cleanup()

	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}
