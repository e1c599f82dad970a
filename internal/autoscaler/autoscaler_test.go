package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/queue"
)

type fakeDriver struct {
	mu         sync.Mutex
	current    int
	listErr    error
	scaleErr   error
	listCalls  int
	scaleCalls []int
}

func (f *fakeDriver) ListWorkers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return 0, f.listErr
	}
	return f.current, nil
}

func (f *fakeDriver) ScaleTo(ctx context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scaleErr != nil {
		return f.scaleErr
	}
	f.scaleCalls = append(f.scaleCalls, n)
	f.current = n
	return nil
}

func (f *fakeDriver) scaled() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.scaleCalls...)
}

type fakeLock struct {
	held     bool
	err      error
	acquires int
	releases int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.acquires++
	return l.held, l.err
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.releases++
	return nil
}

func scalerConfig() config.AutoscalerConfig {
	return config.AutoscalerConfig{
		MinWorkers:                1,
		MaxWorkers:                20,
		ChunkSize:                 1000,
		IntervalSeconds:           10,
		IdleChecksBeforeScaleDown: 3,
	}
}

func setupScalerTest(t *testing.T, driver Driver) (*Autoscaler, *queue.Broker, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	broker := queue.NewBrokerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	cleanup := func() {
		broker.Close()
		mr.Close()
	}
	return New(scalerConfig(), broker, driver, nil), broker, cleanup
}

func TestDesiredWorkers(t *testing.T) {
	a := New(scalerConfig(), nil, nil, nil)

	tests := []struct {
		depth int64
		want  int
	}{
		{0, 1},       // empty queue holds the floor
		{1, 1},       // one payload, one worker
		{5, 5},       // small queue: a worker per payload
		{999, 20},    // small queue capped by the fleet ceiling
		{1000, 1},    // a chunk's worth of backlog per worker
		{1500, 2},    // partial chunks round up
		{12000, 12},  // the reference backlog
		{12001, 13},  // just past a boundary rounds up
		{100000, 20}, // saturates at the ceiling
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("depth_%d", tt.depth), func(t *testing.T) {
			assert.Equal(t, tt.want, a.desired(tt.depth))
		})
	}
}

func TestReconcileScalesUpImmediately(t *testing.T) {
	driver := &fakeDriver{current: 2}
	a := New(scalerConfig(), nil, driver, nil)
	a.idleStreak = 2

	a.reconcile(context.Background(), 12, 2, 12000)

	assert.Equal(t, []int{12}, driver.scaled())
	assert.Equal(t, 0, a.idleStreak)
}

func TestReconcileScaleDownWaitsOutIdleChecks(t *testing.T) {
	driver := &fakeDriver{current: 12}
	a := New(scalerConfig(), nil, driver, nil)

	// The fleet stays oversized for the full run of idle checks.
	for i := 0; i < 3; i++ {
		a.reconcile(context.Background(), 1, 12, 0)
		assert.Empty(t, driver.scaled(), "no scale-down during idle check %d", i+1)
	}

	// The next cycle shrinks to the demanded count.
	a.reconcile(context.Background(), 1, 12, 0)
	assert.Equal(t, []int{1}, driver.scaled())
	assert.Equal(t, 0, a.idleStreak)
}

func TestReconcileDemandResetsIdleStreak(t *testing.T) {
	driver := &fakeDriver{current: 12}
	a := New(scalerConfig(), nil, driver, nil)

	a.reconcile(context.Background(), 1, 12, 0)
	a.reconcile(context.Background(), 1, 12, 0)
	require.Equal(t, 2, a.idleStreak)

	// Demand returns before the streak completes: start over.
	a.reconcile(context.Background(), 12, 12, 12000)
	assert.Equal(t, 0, a.idleStreak)

	a.reconcile(context.Background(), 1, 12, 0)
	assert.Empty(t, driver.scaled())
	assert.Equal(t, 1, a.idleStreak)
}

func TestReconcileFailedScaleDownKeepsStreak(t *testing.T) {
	driver := &fakeDriver{current: 12, scaleErr: errors.New("compose: exit 1")}
	a := New(scalerConfig(), nil, driver, nil)
	a.idleStreak = 3

	a.reconcile(context.Background(), 1, 12, 0)
	require.Equal(t, 3, a.idleStreak)

	// The orchestrator recovers; the very next cycle retries the shrink.
	driver.mu.Lock()
	driver.scaleErr = nil
	driver.mu.Unlock()
	a.reconcile(context.Background(), 1, 12, 0)
	assert.Equal(t, []int{1}, driver.scaled())
}

func TestCycleScalesFromQueueDepth(t *testing.T) {
	driver := &fakeDriver{current: 1}
	a, broker, cleanup := setupScalerTest(t, driver)
	defer cleanup()

	payloads := make([]queue.Payload, 5)
	for i := range payloads {
		payloads[i] = queue.Payload{JobID: "job-1", Emails: []string{"a@example.com"}}
	}
	require.NoError(t, broker.Enqueue(context.Background(), payloads...))

	a.cycle(context.Background())

	// Five queued payloads demand five workers.
	assert.Equal(t, []int{5}, driver.scaled())
}

func TestCycleEmptyQueueHoldsFloor(t *testing.T) {
	driver := &fakeDriver{current: 1}
	a, _, cleanup := setupScalerTest(t, driver)
	defer cleanup()

	a.cycle(context.Background())

	assert.Empty(t, driver.scaled())
	assert.Equal(t, 0, a.idleStreak)
}

func TestCycleSkipsWithoutLeaderLock(t *testing.T) {
	driver := &fakeDriver{current: 1}
	a, _, cleanup := setupScalerTest(t, driver)
	defer cleanup()
	lock := &fakeLock{held: false}
	a.lock = lock

	a.cycle(context.Background())

	assert.Equal(t, 1, lock.acquires)
	assert.Equal(t, 0, lock.releases)
	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.Equal(t, 0, driver.listCalls)
}

func TestCycleReleasesLeaderLock(t *testing.T) {
	driver := &fakeDriver{current: 1}
	a, _, cleanup := setupScalerTest(t, driver)
	defer cleanup()
	lock := &fakeLock{held: true}
	a.lock = lock

	a.cycle(context.Background())

	assert.Equal(t, 1, lock.acquires)
	assert.Equal(t, 1, lock.releases)
}

func TestCycleDriverErrorIsNonFatal(t *testing.T) {
	driver := &fakeDriver{listErr: errors.New("machines API: status 503")}
	a, _, cleanup := setupScalerTest(t, driver)
	defer cleanup()

	a.cycle(context.Background())

	assert.Empty(t, driver.scaled())
}
