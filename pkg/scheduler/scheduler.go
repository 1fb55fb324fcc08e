package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"oracle_coordinator/pkg/config"
	"oracle_coordinator/pkg/oracle"
)

// JobStatus represents the last outcome of a maintenance job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is a registered maintenance job.
type Job struct {
	ID      string
	Name    string
	Spec    string
	LastRun time.Time
	Runs    uint64
	Status  JobStatus
	Err     error
	cronID  cron.EntryID
	runFn   func() error
}

// Maintenance runs the coordinator's background housekeeping: ledger
// snapshot logging and period-sum pruning. It never mutates scores; the
// scoring path stays lazily advanced by requests.
type Maintenance struct {
	cron        *cron.Cron
	coordinator *oracle.Coordinator
	cfg         *config.MaintenanceConfig
	jobs        map[string]*Job
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewMaintenance creates the maintenance scheduler.
func NewMaintenance(coordinator *oracle.Coordinator, cfg *config.MaintenanceConfig, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cron:        cron.New(cron.WithSeconds()),
		coordinator: coordinator,
		cfg:         cfg,
		jobs:        make(map[string]*Job),
		logger:      logger,
	}
}

// Start registers the standard jobs and begins the cron loop.
func (m *Maintenance) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("Maintenance disabled")
		return nil
	}

	if err := m.register("ledger-snapshot", m.cfg.SnapshotSpec, m.logSnapshot); err != nil {
		return err
	}
	if err := m.register("period-sum-prune", m.cfg.PruneSpec, m.prunePeriodSums); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("Maintenance started",
		zap.String("snapshotSpec", m.cfg.SnapshotSpec),
		zap.String("pruneSpec", m.cfg.PruneSpec))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("Maintenance stopped")
}

func (m *Maintenance) register(name, spec string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := &Job{
		ID:     uuid.New().String(),
		Name:   name,
		Spec:   spec,
		Status: JobStatusPending,
		runFn:  fn,
	}
	cronID, err := m.cron.AddFunc(spec, func() { m.run(job) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	job.cronID = cronID
	m.jobs[name] = job
	return nil
}

func (m *Maintenance) run(job *Job) {
	err := job.runFn()

	m.mu.Lock()
	job.LastRun = time.Now()
	job.Runs++
	if err != nil {
		job.Status = JobStatusFailed
		job.Err = err
	} else {
		job.Status = JobStatusComplete
		job.Err = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Maintenance job failed",
			zap.String("job", job.Name), zap.Error(err))
	}
}

// GetJob returns a copy of a job's bookkeeping.
func (m *Maintenance) GetJob(name string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("unknown job: %s", name)
	}
	return *job, nil
}

func (m *Maintenance) logSnapshot() error {
	var snap oracle.LedgerSnapshot
	m.coordinator.Registry().ViewRecord(func(rec *oracle.Record) {
		snap = m.coordinator.Ledger().Snapshot(rec)
	})
	m.logger.Info("Ledger snapshot",
		zap.Uint64("period", snap.Period),
		zap.Int("liveWorkers", snap.LiveWorkers),
		zap.Uint64("periodSum", snap.PeriodSum),
		zap.Uint64("totalScore", snap.TotalScore),
		zap.Float64("averageScore", snap.AverageScore))
	return nil
}

func (m *Maintenance) prunePeriodSums() error {
	pruned := 0
	err := m.coordinator.Registry().UpdateRecord(func(rec *oracle.Record) error {
		pruned = m.coordinator.Ledger().PrunePeriodSums(rec, m.cfg.RetainedPeriods)
		return nil
	})
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.logger.Info("Pruned period sums", zap.Int("pruned", pruned))
	}
	return nil
}
