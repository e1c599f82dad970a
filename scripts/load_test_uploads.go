//go:build ignore
// +build ignore

// Upload Load Test
// Drives the ingress API with synthetic address lists and measures
// end-to-end throughput: submit -> queue -> worker fleet -> database.
//
// Usage:
//   go run scripts/load_test_uploads.go \
//     --api=http://localhost:8080 \
//     --addresses=100000 \
//     --jobs=4 \
//     --poll=2s
//
// Addresses are synthesized under reserved example domains, so no real
// mailbox provider is ever probed with meaningful traffic.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

var testDomains = []string{"example.com", "example.org", "example.net", "test.invalid"}

type receipt struct {
	JobID  string `json:"job_id"`
	Total  int    `json:"total"`
	Chunks int    `json:"chunks"`
}

type jobStatus struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "base URL of the mailscout API")
	addresses := flag.Int("addresses", 100000, "total synthetic addresses to submit")
	jobs := flag.Int("jobs", 4, "number of upload jobs to split the addresses across")
	poll := flag.Duration("poll", 2*time.Second, "status poll interval")
	flag.Parse()

	if *jobs < 1 {
		*jobs = 1
	}
	perJob := *addresses / *jobs

	log.Printf("Submitting %d addresses as %d jobs of ~%d", *addresses, *jobs, perJob)
	client := &http.Client{Timeout: 5 * time.Minute}
	start := time.Now()

	jobIDs := make([]string, 0, *jobs)
	for i := 0; i < *jobs; i++ {
		rcpt, err := submit(client, *api, fmt.Sprintf("loadtest-%d.txt", i), synthesize(perJob, i))
		if err != nil {
			log.Fatalf("submit job %d: %v", i, err)
		}
		log.Printf("  job %s accepted: %d addresses in %d chunks", rcpt.JobID, rcpt.Total, rcpt.Chunks)
		jobIDs = append(jobIDs, rcpt.JobID)
	}
	submitted := time.Since(start)
	log.Printf("All jobs accepted in %s", submitted.Round(time.Millisecond))

	// Poll until every job reaches a terminal status.
	pending := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		pending[id] = true
	}
	var processed int
	for len(pending) > 0 {
		time.Sleep(*poll)
		processed = 0
		for id := range pending {
			st, err := status(client, *api, id)
			if err != nil {
				log.Printf("  poll %s: %v", id, err)
				continue
			}
			processed += st.Processed
			if st.Status == "completed" || st.Status == "cancelled" {
				log.Printf("  job %s %s (%d/%d)", id, st.Status, st.Processed, st.Total)
				delete(pending, id)
			}
		}
		elapsed := time.Since(start).Seconds()
		log.Printf("progress: %d verified, %.0f/s, %d jobs pending", processed, float64(processed)/elapsed, len(pending))
	}

	total := time.Since(start)
	log.Printf("Done: %d addresses in %s (%.0f/s)",
		*addresses, total.Round(time.Second), float64(*addresses)/total.Seconds())
}

func synthesize(n, seed int) []string {
	rng := rand.New(rand.NewSource(int64(seed)))
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		domain := testDomains[rng.Intn(len(testDomains))]
		out = append(out, fmt.Sprintf("load.user%d.%d@%s", seed, i, domain))
	}
	return out
}

func submit(client *http.Client, api, filename string, emails []string) (receipt, error) {
	body, err := json.Marshal(map[string]interface{}{"filename": filename, "emails": emails})
	if err != nil {
		return receipt{}, err
	}
	resp, err := client.Post(api+"/api/uploads", "application/json", bytes.NewReader(body))
	if err != nil {
		return receipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return receipt{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var rcpt receipt
	if err := json.NewDecoder(resp.Body).Decode(&rcpt); err != nil {
		return receipt{}, err
	}
	return rcpt, nil
}

func status(client *http.Client, api, jobID string) (jobStatus, error) {
	resp, err := client.Get(api + "/api/uploads/" + jobID + "/status")
	if err != nil {
		return jobStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jobStatus{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var st jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return jobStatus{}, err
	}
	return st, nil
}
