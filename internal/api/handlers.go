package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/khalith/mailscout/internal/pkg/httputil"
	"github.com/khalith/mailscout/internal/producer"
	"github.com/khalith/mailscout/internal/queue"
	"github.com/khalith/mailscout/internal/store"
	"github.com/khalith/mailscout/internal/verifier"
)

const (
	// maxInlineVerify bounds the synchronous /api/verify path; anything
	// larger belongs in an upload job.
	maxInlineVerify = 20

	// maxUploadBytes bounds multipart list uploads.
	maxUploadBytes = 50 << 20

	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

// ResultExporter writes a finished job's verdicts to object storage.
type ResultExporter interface {
	IsConfigured() bool
	ExportResults(ctx context.Context, jobID string, results []store.Result) (string, error)
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	producer *producer.Producer
	store    *store.Store
	broker   *queue.Broker
	kernel   *verifier.Kernel
	exporter ResultExporter
}

// NewHandlers creates a Handlers instance. exporter may be nil when no
// object storage is configured.
func NewHandlers(p *producer.Producer, st *store.Store, broker *queue.Broker, kernel *verifier.Kernel, exporter ResultExporter) *Handlers {
	return &Handlers{
		producer: p,
		store:    st,
		broker:   broker,
		kernel:   kernel,
		exporter: exporter,
	}
}

// Health reports process liveness plus backend reachability. It always
// answers 200; orchestrators read the flags, not the code.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := h.store.Ping(ctx) == nil
	redisOK := h.broker.Ping(ctx) == nil

	status := "ok"
	if !dbOK || !redisOK {
		status = "degraded"
	}
	httputil.OK(w, map[string]interface{}{
		"status":    status,
		"database":  dbOK,
		"redis":     redisOK,
		"timestamp": time.Now().UTC(),
	})
}

type uploadRequest struct {
	Filename string   `json:"filename"`
	Emails   []string `json:"emails"`
}

// CreateUpload accepts an address list as JSON {filename, emails[]} or
// as a multipart "file" field holding newline/comma-separated text, and
// answers 202 with the job receipt.
func (h *Handlers) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var filename string
	var emails []string

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			httputil.BadRequest(w, "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.BadRequest(w, "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			httputil.BadRequest(w, "failed to read uploaded file")
			return
		}
		filename = header.Filename
		emails = splitAddresses(string(data))
	} else {
		var req uploadRequest
		if !httputil.Decode(w, r, &req) {
			return
		}
		filename = req.Filename
		emails = req.Emails
	}

	receipt, err := h.producer.Submit(r.Context(), filename, emails)
	if err != nil {
		log.Printf("[API] Submit failed: %v", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	httputil.JSON(w, http.StatusAccepted, receipt)
}

// UploadStatus reports the durable state of a job.
func (h *Handlers) UploadStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.producer.Status(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		log.Printf("[API] Status for job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	httputil.OK(w, status)
}

type resultRecord struct {
	ID         int64           `json:"id"`
	Email      string          `json:"email"`
	Normalized string          `json:"normalized"`
	Status     string          `json:"status"`
	Score      int             `json:"score"`
	Checks     json.RawMessage `json:"checks"`
	CreatedAt  time.Time       `json:"created_at"`
}

type resultsResponse struct {
	JobID   string         `json:"job_id"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	Total   int            `json:"total"`
	Results []resultRecord `json:"results"`
}

// UploadResults returns one page of persisted verdicts.
func (h *Handlers) UploadResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			httputil.NotFound(w, "job not found")
			return
		}
		log.Printf("[API] Results for job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	limit := parseQueryInt(r, "limit", defaultResultsLimit)
	if limit > maxResultsLimit {
		limit = maxResultsLimit
	}
	offset := parseQueryInt(r, "offset", 0)

	results, err := h.store.ResultsPage(r.Context(), id, limit, offset)
	if err != nil {
		log.Printf("[API] Results page for job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	total, err := h.store.CountResults(r.Context(), id)
	if err != nil {
		log.Printf("[API] Count results for job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	resp := resultsResponse{
		JobID:   id,
		Limit:   limit,
		Offset:  offset,
		Total:   total,
		Results: make([]resultRecord, 0, len(results)),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, resultRecord{
			ID:         res.ID,
			Email:      res.Email,
			Normalized: res.Normalized,
			Status:     res.Status,
			Score:      res.Score,
			Checks:     res.Checks,
			CreatedAt:  res.CreatedAt,
		})
	}
	httputil.OK(w, resp)
}

// CancelUpload marks a job cancelled. Verdicts already persisted stay;
// workers drop the job's remaining payloads as they pop them.
func (h *Handlers) CancelUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		log.Printf("[API] Cancel job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if err := h.producer.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// The row exists, so zero updated rows means a terminal status.
			httputil.Error(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
			return
		}
		log.Printf("[API] Cancel job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	httputil.OK(w, map[string]string{"job_id": id, "status": store.StatusCancelled})
}

// ExportUpload writes a completed job's verdicts to object storage and
// returns the object key.
func (h *Handlers) ExportUpload(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil || !h.exporter.IsConfigured() {
		httputil.Error(w, http.StatusServiceUnavailable, "archive storage not configured")
		return
	}
	id := chi.URLParam(r, "id")

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		log.Printf("[API] Export job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Status != store.StatusCompleted {
		httputil.Error(w, http.StatusConflict, fmt.Sprintf("job is %s, not completed", job.Status))
		return
	}

	results, err := h.store.AllResults(r.Context(), id)
	if errors.Is(err, store.ErrNoResults) {
		httputil.NotFound(w, "no results to export")
		return
	}
	if err != nil {
		log.Printf("[API] Export results for job %s: %v", id, err)
		httputil.Error(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	key, err := h.exporter.ExportResults(r.Context(), id, results)
	if err != nil {
		log.Printf("[API] Export job %s to object storage: %v", id, err)
		httputil.Error(w, http.StatusBadGateway, "failed to write export")
		return
	}
	httputil.OK(w, map[string]interface{}{
		"job_id": id,
		"key":    key,
		"count":  len(results),
	})
}

type verifyRequest struct {
	Emails []string `json:"emails"`
}

// VerifyInline verifies a small batch synchronously, without creating a
// job or persisting anything.
func (h *Handlers) VerifyInline(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Emails) == 0 {
		httputil.BadRequest(w, "emails is required")
		return
	}
	if len(req.Emails) > maxInlineVerify {
		httputil.BadRequest(w, fmt.Sprintf("at most %d addresses per request", maxInlineVerify))
		return
	}

	verdicts, err := h.kernel.VerifyBatch(r.Context(), req.Emails)
	if err != nil {
		log.Printf("[API] Inline verify: %v", err)
		httputil.Error(w, http.StatusInternalServerError, "verification aborted")
		return
	}
	httputil.OK(w, map[string]interface{}{
		"count":   len(verdicts),
		"results": verdicts,
	})
}

// splitAddresses tokenizes a newline- or comma-separated address list.
// Blank tokens are dropped; the producer does the real normalization.
func splitAddresses(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseQueryInt reads a non-negative integer query parameter, falling
// back to def when missing or malformed.
func parseQueryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
