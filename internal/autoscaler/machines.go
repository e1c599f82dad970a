package autoscaler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/pkg/httpretry"
)

// defaultMachinesURL is the public machines API endpoint.
const defaultMachinesURL = "https://api.machines.dev"

// Worker machines carry role=worker metadata. Machines without it (the
// server, Redis, Postgres) are never touched.
const (
	machineRoleKey = "role"
	machineRole    = "worker"
)

// MachinesDriver scales a cloud fleet through a machines REST API.
// Requests go through the retrying client, so transient 429/5xx
// responses from the platform do not abort a reconcile.
type MachinesDriver struct {
	baseURL string
	appName string
	token   string
	region  string
	image   string
	client  httpretry.HTTPDoer
}

// NewMachinesDriver creates a driver for the app named in cfg.
func NewMachinesDriver(cfg config.AutoscalerConfig) *MachinesDriver {
	base := cfg.MachinesURL
	if base == "" {
		base = defaultMachinesURL
	}
	return &MachinesDriver{
		baseURL: strings.TrimRight(base, "/"),
		appName: cfg.AppName,
		token:   cfg.APIToken,
		region:  cfg.Region,
		image:   cfg.WorkerImage,
		client:  httpretry.NewRetryClient(nil, 3),
	}
}

type machine struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Region    string        `json:"region,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Config    machineConfig `json:"config"`
}

type machineConfig struct {
	Image    string            `json:"image,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region,omitempty"`
	Config machineConfig `json:"config"`
}

// ListWorkers returns the number of live worker machines.
func (d *MachinesDriver) ListWorkers(ctx context.Context) (int, error) {
	workers, err := d.listWorkerMachines(ctx)
	if err != nil {
		return 0, err
	}
	return len(workers), nil
}

// ScaleTo creates or destroys worker machines until exactly n remain.
// Scale-down destroys the oldest-created machines first.
func (d *MachinesDriver) ScaleTo(ctx context.Context, n int) error {
	workers, err := d.listWorkerMachines(ctx)
	if err != nil {
		return err
	}

	switch {
	case len(workers) < n:
		for i := len(workers); i < n; i++ {
			if err := d.createWorker(ctx); err != nil {
				return err
			}
		}
	case len(workers) > n:
		sort.Slice(workers, func(i, j int) bool {
			return workers[i].CreatedAt.Before(workers[j].CreatedAt)
		})
		for _, m := range workers[:len(workers)-n] {
			if err := d.destroyMachine(ctx, m.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *MachinesDriver) listWorkerMachines(ctx context.Context) ([]machine, error) {
	body, err := d.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/apps/%s/machines", d.appName), nil)
	if err != nil {
		return nil, err
	}

	var machines []machine
	if err := json.Unmarshal(body, &machines); err != nil {
		return nil, fmt.Errorf("decode machine list: %w", err)
	}

	var workers []machine
	for _, m := range machines {
		if m.Config.Metadata[machineRoleKey] != machineRole {
			continue
		}
		if m.State == "destroyed" || m.State == "destroying" {
			continue
		}
		workers = append(workers, m)
	}
	return workers, nil
}

func (d *MachinesDriver) createWorker(ctx context.Context) error {
	req := createMachineRequest{
		Name:   fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		Region: d.region,
		Config: machineConfig{
			Image:    d.image,
			Metadata: map[string]string{machineRoleKey: machineRole},
		},
	}
	_, err := d.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/apps/%s/machines", d.appName), req)
	return err
}

func (d *MachinesDriver) destroyMachine(ctx context.Context, id string) error {
	_, err := d.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/apps/%s/machines/%s?force=true", d.appName, id), nil)
	return err
}

// doRequest executes an authenticated API call and returns the response
// body. Any status >= 400 after retries is an error carrying the body
// text for diagnosis.
func (d *MachinesDriver) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("machines API %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// NewDriver selects the fleet driver for the configuration: the cloud
// machines driver when an app name is set, the local compose driver
// otherwise.
func NewDriver(cfg config.AutoscalerConfig) Driver {
	if cfg.UseCloud() {
		return NewMachinesDriver(cfg)
	}
	return NewComposeDriver(cfg.ComposeFile, cfg.ComposeProject)
}
