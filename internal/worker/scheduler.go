package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provider-sync/internal/config"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/models"
	syncengine "github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/types"
)

// DueLister finds connections whose last successful sync is older than the
// configured interval.
type DueLister interface {
	ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]*models.Connection, error)
}

// SyncRunner runs a full sync for one connection
type SyncRunner interface {
	RunSync(ctx context.Context, tenantID, connectionID uuid.UUID, opts syncengine.Options) (*syncengine.SyncSummary, error)
}

// Scheduler periodically scans for due connections and submits a sync job for
// each to the worker pool. A connection already mid-sync is skipped without
// noise; the per-connection lock inside the orchestrator is the source of
// truth for in-progress state.
type Scheduler struct {
	connections DueLister
	runner      SyncRunner
	pool        *Pool
	cfg         config.SchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates an auto-sync scheduler backed by the given pool
func NewScheduler(connections DueLister, runner SyncRunner, pool *Pool, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		connections: connections,
		runner:      runner,
		pool:        pool,
		cfg:         cfg,
	}
}

// Start begins the polling loop. Safe to call once; subsequent calls while
// running are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"poll_interval": s.cfg.PollInterval.String(),
		"sync_interval": s.cfg.SyncInterval.String(),
	}).Info("starting sync scheduler")

	go s.loop()
}

// Stop halts the polling loop and waits for the current scan to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	logging.GetGlobalLogger().Info("sync scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// run one scan immediately so a restart does not wait a full interval
	s.scan()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Scheduler) scan() {
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.SyncInterval)
	due, err := s.connections.ListDueForSync(ctx, cutoff, s.cfg.QueueSize)
	if err != nil {
		logger.WithError(err).Error("failed to list connections due for sync")
		return
	}
	if len(due) == 0 {
		return
	}

	logger.WithField("count", len(due)).Debug("scheduling due connections")

	for _, conn := range due {
		job := &syncJob{
			runner:       s.runner,
			tenantID:     conn.TenantID,
			connectionID: conn.ID,
			provider:     conn.Provider,
		}
		if err := s.pool.Submit(job); err != nil {
			logger.WithError(err).WithField("connection_id", conn.ID.String()).
				Warn("could not queue scheduled sync")
		}
	}
}

// syncJob runs one scheduled sync through the orchestrator
type syncJob struct {
	runner       SyncRunner
	tenantID     uuid.UUID
	connectionID uuid.UUID
	provider     types.ProviderName
}

func (j *syncJob) Execute(ctx context.Context) error {
	opts := syncengine.DefaultOptions()
	opts.Trigger = types.TriggerScheduled

	_, err := j.runner.RunSync(ctx, j.tenantID, j.connectionID, opts)
	if errors.Is(err, syncerrors.ErrAlreadyInProgress) {
		// another trigger beat us to it, nothing to do
		return nil
	}
	return err
}

func (j *syncJob) Description() string {
	return fmt.Sprintf("scheduled sync %s (%s)", j.connectionID, j.provider)
}
