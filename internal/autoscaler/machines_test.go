package autoscaler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalith/mailscout/internal/config"
)

// machinesState is the in-memory fleet behind the fake machines API.
type machinesState struct {
	mu       sync.Mutex
	machines []machine
	creates  []createMachineRequest
	deletes  []string
}

func newMachinesServer(t *testing.T, state *machinesState) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		state.mu.Lock()
		defer state.mu.Unlock()

		const prefix = "/v1/apps/scout-workers/machines"
		switch {
		case r.Method == http.MethodGet && r.URL.Path == prefix:
			json.NewEncoder(w).Encode(state.machines)
		case r.Method == http.MethodPost && r.URL.Path == prefix:
			var req createMachineRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			state.creates = append(state.creates, req)
			m := machine{
				ID:        req.Name,
				Name:      req.Name,
				State:     "started",
				CreatedAt: time.Now().UTC(),
				Config:    req.Config,
			}
			state.machines = append(state.machines, m)
			json.NewEncoder(w).Encode(m)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, prefix+"/"):
			id := strings.TrimPrefix(r.URL.Path, prefix+"/")
			state.deletes = append(state.deletes, id)
			kept := state.machines[:0]
			for _, m := range state.machines {
				if m.ID != id {
					kept = append(kept, m)
				}
			}
			state.machines = kept
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testMachinesDriver(url string) *MachinesDriver {
	return NewMachinesDriver(config.AutoscalerConfig{
		AppName:     "scout-workers",
		APIToken:    "tok-123",
		MachinesURL: url,
		Region:      "fra",
		WorkerImage: "registry.example.com/scout-worker:latest",
	})
}

func workerMachine(id string, createdAt time.Time) machine {
	return machine{
		ID:        id,
		Name:      id,
		State:     "started",
		CreatedAt: createdAt,
		Config:    machineConfig{Metadata: map[string]string{"role": "worker"}},
	}
}

func TestMachinesListWorkersFiltersByRoleAndState(t *testing.T) {
	now := time.Now().UTC()
	state := &machinesState{machines: []machine{
		workerMachine("w1", now),
		workerMachine("w2", now),
		{ID: "w3", State: "destroyed", CreatedAt: now, Config: machineConfig{Metadata: map[string]string{"role": "worker"}}},
		{ID: "api1", State: "started", CreatedAt: now, Config: machineConfig{Metadata: map[string]string{"role": "server"}}},
		{ID: "redis1", State: "started", CreatedAt: now},
	}}
	srv := newMachinesServer(t, state)
	defer srv.Close()

	n, err := testMachinesDriver(srv.URL).ListWorkers(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMachinesScaleUpCreatesTaggedWorkers(t *testing.T) {
	state := &machinesState{machines: []machine{workerMachine("w1", time.Now().UTC())}}
	srv := newMachinesServer(t, state)
	defer srv.Close()

	require.NoError(t, testMachinesDriver(srv.URL).ScaleTo(context.Background(), 3))

	state.mu.Lock()
	defer state.mu.Unlock()
	require.Len(t, state.creates, 2)
	for _, c := range state.creates {
		assert.True(t, strings.HasPrefix(c.Name, "worker-"), "name %q", c.Name)
		assert.Equal(t, "fra", c.Region)
		assert.Equal(t, "registry.example.com/scout-worker:latest", c.Config.Image)
		assert.Equal(t, "worker", c.Config.Metadata["role"])
	}
	assert.Empty(t, state.deletes)
}

func TestMachinesScaleDownDestroysOldestFirst(t *testing.T) {
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	state := &machinesState{machines: []machine{
		workerMachine("w-newest", base.Add(2*time.Hour)),
		workerMachine("w-oldest", base),
		workerMachine("w-middle", base.Add(time.Hour)),
	}}
	srv := newMachinesServer(t, state)
	defer srv.Close()

	require.NoError(t, testMachinesDriver(srv.URL).ScaleTo(context.Background(), 1))

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.Equal(t, []string{"w-oldest", "w-middle"}, state.deletes)
	assert.Empty(t, state.creates)
}

func TestMachinesScaleToAlreadyConverged(t *testing.T) {
	state := &machinesState{machines: []machine{workerMachine("w1", time.Now().UTC())}}
	srv := newMachinesServer(t, state)
	defer srv.Close()

	require.NoError(t, testMachinesDriver(srv.URL).ScaleTo(context.Background(), 1))

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.Empty(t, state.creates)
	assert.Empty(t, state.deletes)
}

func TestMachinesAPIErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"token lacks app access"}`))
	}))
	defer srv.Close()

	_, err := testMachinesDriver(srv.URL).ListWorkers(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "token lacks app access")
}
