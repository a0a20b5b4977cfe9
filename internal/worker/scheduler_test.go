package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provider-sync/internal/config"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/models"
	syncengine "github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/types"
)

type fakeDueLister struct {
	mu   sync.Mutex
	due  []*models.Connection
	err  error
	seen []time.Time
}

func (f *fakeDueLister) ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cutoff)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []uuid.UUID
	opts  []syncengine.Options
	err   error
}

func (f *fakeRunner) RunSync(ctx context.Context, tenantID, connectionID uuid.UUID, opts syncengine.Options) (*syncengine.SyncSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connectionID)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &syncengine.SyncSummary{}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func dueConnection(provider types.ProviderName) *models.Connection {
	return &models.Connection{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Provider: provider,
		Status:   types.ConnectionActive,
	}
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		SyncInterval: 6 * time.Hour,
		WorkerCount:  2,
		QueueSize:    10,
	}
}

func TestSchedulerSubmitsDueConnections(t *testing.T) {
	connA := dueConnection(types.ProviderSaltEdge)
	connB := dueConnection(types.ProviderBunq)
	lister := &fakeDueLister{due: []*models.Connection{connA, connB}}
	runner := &fakeRunner{}

	pool := NewPool(2, 10, time.Second)
	pool.Start()
	defer pool.Shutdown(time.Second)

	sched := NewScheduler(lister, runner, pool, schedulerConfig())
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return runner.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Contains(t, runner.calls, connA.ID)
	assert.Contains(t, runner.calls, connB.ID)
	for _, opts := range runner.opts {
		assert.Equal(t, types.TriggerScheduled, opts.Trigger)
		assert.True(t, opts.SyncAccounts)
		assert.True(t, opts.SyncTransactions)
	}
}

func TestSchedulerCutoffUsesSyncInterval(t *testing.T) {
	lister := &fakeDueLister{}
	pool := NewPool(1, 1, time.Second)
	pool.Start()
	defer pool.Shutdown(time.Second)

	sched := NewScheduler(lister, &fakeRunner{}, pool, schedulerConfig())
	sched.Start()

	require.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return len(lister.seen) > 0
	}, time.Second, 5*time.Millisecond)
	sched.Stop()

	lister.mu.Lock()
	defer lister.mu.Unlock()
	want := time.Now().UTC().Add(-6 * time.Hour)
	assert.WithinDuration(t, want, lister.seen[0], 5*time.Second)
}

func TestSchedulerAbsorbsAlreadyInProgress(t *testing.T) {
	conn := dueConnection(types.ProviderSaltEdge)
	lister := &fakeDueLister{due: []*models.Connection{conn}}
	runner := &fakeRunner{err: syncerrors.ErrAlreadyInProgress}

	pool := NewPool(1, 10, time.Second)
	pool.Start()
	defer pool.Shutdown(time.Second)

	sched := NewScheduler(lister, runner, pool, schedulerConfig())
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// the job swallows the error; verify directly that Execute reports nil
	job := &syncJob{runner: runner, tenantID: conn.TenantID, connectionID: conn.ID, provider: conn.Provider}
	assert.NoError(t, job.Execute(context.Background()))
}

func TestSchedulerSurvivesListerErrors(t *testing.T) {
	lister := &fakeDueLister{err: assert.AnError}
	pool := NewPool(1, 1, time.Second)
	pool.Start()
	defer pool.Shutdown(time.Second)

	sched := NewScheduler(lister, &fakeRunner{}, pool, schedulerConfig())
	sched.Start()

	require.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return len(lister.seen) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	sched.Stop()
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	pool := NewPool(1, 1, time.Second)
	pool.Start()
	defer pool.Shutdown(time.Second)

	sched := NewScheduler(&fakeDueLister{}, &fakeRunner{}, pool, schedulerConfig())
	sched.Start()
	sched.Stop()
	sched.Stop()
	sched.Start()
	sched.Stop()
}
