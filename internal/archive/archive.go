// Package archive persists raw submitted lists and finished verdict
// sets to S3-compatible object storage. Archival is optional: without a
// configured bucket every operation reports ErrNotConfigured and the
// rest of the pipeline runs unaffected.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/store"
)

// ErrNotConfigured is returned when no bucket is configured.
var ErrNotConfigured = errors.New("archive: object storage not configured")

// objectPutter is the slice of the S3 client the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive writes job artifacts to a single bucket.
type Archive struct {
	client objectPutter
	bucket string
}

// New creates the archive client. An empty bucket yields a disabled
// archive rather than an error, so callers can construct it
// unconditionally and gate on IsConfigured.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	a := &Archive{bucket: cfg.Bucket}
	if cfg.Bucket == "" {
		return a, nil
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// MinIO-style stores need the custom endpoint and path-style
			// addressing.
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return a, nil
}

// IsConfigured reports whether a bucket is set up.
func (a *Archive) IsConfigured() bool {
	return a != nil && a.client != nil
}

// ArchiveList stores the raw submitted address list as plain text under
// lists/<job_id>/<filename>, one address per line.
func (a *Archive) ArchiveList(ctx context.Context, jobID, filename string, emails []string) error {
	if !a.IsConfigured() {
		return ErrNotConfigured
	}

	body := strings.Join(emails, "\n") + "\n"
	key := listKey(jobID, filename)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(body)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// exportPayload is the JSON document written for a finished job.
type exportPayload struct {
	JobID       string         `json:"job_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Count       int            `json:"count"`
	Results     []exportResult `json:"results"`
}

type exportResult struct {
	Email      string          `json:"email"`
	Normalized string          `json:"normalized"`
	Status     string          `json:"status"`
	Score      int             `json:"score"`
	Checks     json.RawMessage `json:"checks,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ExportResults writes the job's verdicts as a JSON document under
// results/<job_id>.json and returns the object key.
func (a *Archive) ExportResults(ctx context.Context, jobID string, results []store.Result) (string, error) {
	if !a.IsConfigured() {
		return "", ErrNotConfigured
	}

	payload := exportPayload{
		JobID:       jobID,
		GeneratedAt: time.Now().UTC(),
		Count:       len(results),
		Results:     make([]exportResult, 0, len(results)),
	}
	for _, r := range results {
		payload.Results = append(payload.Results, exportResult{
			Email:      r.Email,
			Normalized: r.Normalized,
			Status:     r.Status,
			Score:      r.Score,
			Checks:     r.Checks,
			CreatedAt:  r.CreatedAt,
		})
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling export: %w", err)
	}

	key := fmt.Sprintf("results/%s.json", jobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}

// listKey builds the object key for a raw list. Client-supplied names
// are reduced to their base name so keys stay inside the job's prefix.
func listKey(jobID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "list.txt"
	}
	return fmt.Sprintf("lists/%s/%s", jobID, name)
}
