// Package service provides the harvest engine: job lifecycle, the harvest
// runner, the service registry and the periodic scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
)

// Progress of running jobs is written to the store at most this often,
// or every persistEveryRecords processed records.
const (
	persistInterval     = 5 * time.Second
	persistEveryRecords = 100
)

// liveJob is a running job held in memory.
type liveJob struct {
	mu          sync.RWMutex
	job         *models.Job
	lastPersist time.Time
	sinceSave   int
}

// JobManager owns the lifecycle of harvest jobs and persists every
// transition. Running jobs are tracked in memory; finished ones are only
// kept in the store.
type JobManager struct {
	jobs   map[string]*liveJob
	mu     sync.RWMutex
	store  store.Jobs
	clock  timeconv.Clock
	logger *slog.Logger
}

// NewJobManager creates a job manager backed by st.
func NewJobManager(st store.Jobs, clock timeconv.Clock, logger *slog.Logger) *JobManager {
	if clock == nil {
		clock = timeconv.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		jobs:   make(map[string]*liveJob),
		store:  st,
		clock:  clock,
		logger: logger,
	}
}

// Create persists a new configured job.
func (m *JobManager) Create(ctx context.Context, serviceID string, w models.Window, opts models.JobOptions) (*models.Job, error) {
	job, err := models.NewJob(store.NewJobID(), serviceID, w, opts, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, storageFault("create job", err)
	}
	m.logger.Info("job created", "job_id", job.ID, "service_id", serviceID, "from", job.From, "until", job.Until)
	return job, nil
}

// Start moves a configured job to running. A second running job for the
// same service is rejected with a conflict fault.
func (m *JobManager) Start(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, storageFault("load job", err)
	}
	if err := job.Start(m.clock.Now()); err != nil {
		return nil, err
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fault.Conflict("start job", err)
		}
		return nil, storageFault("start job", err)
	}

	m.mu.Lock()
	m.jobs[job.ID] = &liveJob{job: job, lastPersist: m.clock.Now()}
	m.mu.Unlock()

	m.logger.Info("job started", "job_id", job.ID, "service_id", job.ServiceID, "effective_until", job.EffectiveUntil)
	return job.Clone(), nil
}

// Discard deletes a configured job that was never started.
func (m *JobManager) Discard(ctx context.Context, jobID string) error {
	if err := m.store.DeleteJob(ctx, jobID); err != nil {
		return storageFault("discard job", err)
	}
	m.logger.Info("job discarded", "job_id", jobID)
	return nil
}

func (m *JobManager) live(jobID string) (*liveJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lj, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s is not running", jobID)
	}
	return lj, nil
}

// Update applies fn to a running job. Progress is persisted with
// debouncing; a failed progress write is logged and retried on the next
// update.
func (m *JobManager) Update(ctx context.Context, jobID string, processed int, fn func(*models.Job)) error {
	lj, err := m.live(jobID)
	if err != nil {
		return err
	}

	lj.mu.Lock()
	fn(lj.job)
	lj.sinceSave += processed
	now := m.clock.Now()
	shouldPersist := now.Sub(lj.lastPersist) >= persistInterval || lj.sinceSave >= persistEveryRecords
	var snapshot *models.Job
	if shouldPersist {
		lj.lastPersist = now
		lj.sinceSave = 0
		snapshot = lj.job.Clone()
	}
	lj.mu.Unlock()

	if snapshot != nil {
		if err := m.store.SaveJob(ctx, snapshot); err != nil {
			m.logger.Warn("failed to persist job progress", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Finish moves a running job to its terminal state and persists it. The
// write is not bound to ctx so that cancelled jobs are still recorded.
func (m *JobManager) Finish(ctx context.Context, jobID string, cause error, cancelled bool) (*models.Job, error) {
	lj, err := m.live(jobID)
	if err != nil {
		return nil, err
	}

	lj.mu.Lock()
	err = lj.job.Finish(m.clock.Now(), cause, cancelled)
	final := lj.job.Clone()
	lj.mu.Unlock()
	if err != nil {
		return nil, err
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.store.SaveJob(saveCtx, final); err != nil {
		return final, storageFault("finish job", err)
	}

	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()

	attrs := []any{
		"job_id", final.ID,
		"service_id", final.ServiceID,
		"state", final.State,
		"processed", final.Processed,
		"inserted", final.Inserted,
		"updated", final.Updated,
		"unchanged", final.Unchanged,
		"skipped", final.Skipped,
		"pages", final.Pages,
		"duration", final.Duration(),
	}
	switch final.State {
	case models.JobFailed:
		m.logger.Error("job failed", append(attrs, "error", final.Error)...)
	case models.JobPartial:
		m.logger.Warn("job partial", append(attrs, "error", final.Error)...)
	default:
		m.logger.Info("job completed", attrs...)
	}
	return final, nil
}

// Get returns a snapshot of a job, preferring live state over the store.
func (m *JobManager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	if snap := m.Snapshot(jobID); snap != nil {
		return snap, nil
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Snapshot returns a copy of a running job, or nil.
func (m *JobManager) Snapshot(jobID string) *models.Job {
	lj, err := m.live(jobID)
	if err != nil {
		return nil
	}
	lj.mu.RLock()
	defer lj.mu.RUnlock()
	return lj.job.Clone()
}

// Active returns the running jobs, most recently started first.
func (m *JobManager) Active() []*models.Job {
	m.mu.RLock()
	jobs := make([]*models.Job, 0, len(m.jobs))
	for _, lj := range m.jobs {
		lj.mu.RLock()
		jobs = append(jobs, lj.job.Clone())
		lj.mu.RUnlock()
	}
	m.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *models.Job) int {
		return b.StartedAt.Compare(*a.StartedAt)
	})
	return jobs
}

// List returns persisted jobs newest first, overlaying live progress.
func (m *JobManager) List(ctx context.Context, serviceID string) ([]*models.Job, error) {
	jobs, err := m.store.ListJobs(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	for i, job := range jobs {
		if snap := m.Snapshot(job.ID); snap != nil {
			jobs[i] = snap
		}
	}
	return jobs, nil
}

// ErrInterrupted is the error recorded on jobs that were still running
// when a previous harvester process stopped.
var ErrInterrupted = errors.New("harvester stopped while the job was running")

// RecoverInterrupted closes persisted running jobs that this manager does
// not own. They end partial so their watermark is kept and the service can
// be topped up again. It returns the recovered jobs.
func (m *JobManager) RecoverInterrupted(ctx context.Context) ([]*models.Job, error) {
	jobs, err := m.store.ListJobs(ctx, "")
	if err != nil {
		return nil, storageFault("list jobs", err)
	}
	var recovered []*models.Job
	for _, job := range jobs {
		if job.State != models.JobRunning || m.Snapshot(job.ID) != nil {
			continue
		}
		if err := job.Finish(m.clock.Now(), ErrInterrupted, true); err != nil {
			return recovered, err
		}
		if err := m.store.SaveJob(ctx, job); err != nil {
			return recovered, storageFault("recover job", err)
		}
		m.logger.Warn("recovered interrupted job", "job_id", job.ID, "service_id", job.ServiceID, "processed", job.Processed)
		recovered = append(recovered, job)
	}
	return recovered, nil
}

// storageFault classifies unclassified store errors as storage faults.
func storageFault(op string, err error) error {
	if fault.KindOf(err) != nil {
		return err
	}
	return fault.Storage(op, err)
}
