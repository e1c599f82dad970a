// Package producer turns raw address lists into persisted jobs and
// queued work for the verification workers.
package producer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
)

// Archiver stores the raw submitted list outside the hot path. Archive
// failures are logged and never fail a submission.
type Archiver interface {
	ArchiveList(ctx context.Context, jobID, filename string, emails []string) error
}

// Receipt is returned to the caller of Submit.
type Receipt struct {
	JobID  string `json:"job_id"`
	Total  int    `json:"total"`
	Chunks int    `json:"chunks"`
}

// JobStatus is the durable view of a job: what the database records,
// not in-flight worker progress.
type JobStatus struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Chunks    int    `json:"chunks"`
}

type Producer struct {
	store     *store.Store
	broker    *queue.Broker
	archiver  Archiver
	chunkSize int
}

// New builds a producer. archiver may be nil when archiving is not
// configured.
func New(st *store.Store, broker *queue.Broker, archiver Archiver, chunkSize int) *Producer {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Producer{store: st, broker: broker, archiver: archiver, chunkSize: chunkSize}
}

// Submit persists a job for the normalized address list and enqueues one
// payload per chunk. The job row is committed before anything is pushed,
// so a worker that pops a payload always finds its job. Empty submissions
// are recorded as completed and enqueue nothing.
func (p *Producer) Submit(ctx context.Context, filename string, addresses []string) (Receipt, error) {
	emails := normalizeList(addresses)

	job := store.Job{
		ID:         uuid.New().String(),
		Filename:   filename,
		TotalCount: len(emails),
		Status:     store.StatusQueued,
	}
	if len(emails) == 0 {
		job.Status = store.StatusCompleted
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("create job: %w", err)
	}

	if p.archiver != nil && len(emails) > 0 {
		if err := p.archiver.ArchiveList(ctx, job.ID, filename, emails); err != nil {
			log.Printf("[Producer] Failed to archive list for job %s: %v", job.ID, err)
		}
	}

	chunks := chunkList(emails, p.chunkSize)
	payloads := make([]queue.Payload, 0, len(chunks))
	for _, chunk := range chunks {
		payloads = append(payloads, queue.Payload{JobID: job.ID, Emails: chunk})
	}
	if err := p.broker.Enqueue(ctx, payloads...); err != nil {
		return Receipt{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	return Receipt{JobID: job.ID, Total: len(emails), Chunks: len(chunks)}, nil
}

// Status reports the recorded state of a job.
func (p *Producer) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		JobID:     job.ID,
		Status:    job.Status,
		Processed: job.ProcessedCount,
		Total:     job.TotalCount,
		Chunks:    chunkCount(job.TotalCount, p.chunkSize),
	}, nil
}

// Cancel marks a job cancelled. Workers drop its payloads when they next
// pop them; rows already persisted stay as they are.
func (p *Producer) Cancel(ctx context.Context, jobID string) error {
	return p.store.CancelJob(ctx, jobID)
}

// normalizeList lowercases and trims every address, drops anything
// without an "@", and deduplicates preserving first-seen order.
func normalizeList(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	emails := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || !strings.Contains(addr, "@") {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		emails = append(emails, addr)
	}
	return emails
}

func chunkList(emails []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(emails); start += size {
		end := min(start+size, len(emails))
		chunks = append(chunks, emails[start:end])
	}
	return chunks
}

func chunkCount(total, size int) int {
	if total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
