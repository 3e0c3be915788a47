package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/metrics"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/oai"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
)

// ClientFactory builds the protocol client of a service.
type ClientFactory func(svc *models.Service) *oai.Client

// Harvester drives one running job through a ListRecords walk.
type Harvester struct {
	store   store.Identifiers
	jobs    *JobManager
	clients ClientFactory
	metrics *metrics.Metrics
	clock   timeconv.Clock
	logger  *slog.Logger
}

// NewHarvester creates a harvest runner.
func NewHarvester(st store.Identifiers, jobs *JobManager, clients ClientFactory, m *metrics.Metrics, clock timeconv.Clock, logger *slog.Logger) *Harvester {
	if clock == nil {
		clock = timeconv.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		store:   st,
		jobs:    jobs,
		clients: clients,
		metrics: m,
		clock:   clock,
		logger:  logger,
	}
}

// Run walks the window of a started job, upserting every record, and
// returns the finalized job. Faults are recorded on the job rather than
// returned; the error is non-nil only when the job could not be finalized.
func (h *Harvester) Run(ctx context.Context, svc *models.Service, jobID string) (*models.Job, error) {
	job := h.jobs.Snapshot(jobID)
	if job == nil {
		return nil, errors.New("job " + jobID + " is not running")
	}
	logger := h.logger.With("job_id", job.ID, "service_id", svc.ID)

	// Walk the window the job was started with
	h.metrics.JobStarted()
	opts := oai.ListOptions{
		MetadataPrefix: job.MetadataPrefix,
		Set:            job.SetSpec,
		From:           &job.From,
		Until:          job.EffectiveUntil,
		DayGranularity: svc.DayGranularity(),
		IgnoreDeleted:  job.IgnoreDeleted,
	}
	walker := h.clients(svc).ListRecords(opts)

	cause := h.walk(ctx, logger, svc.ID, jobID, walker)
	if cause == nil {
		cause = walker.Err()
	}
	cancelled := ctx.Err() != nil

	// The final watermark also covers deleted records filtered after the
	// last upsert. It is only safe when no upsert failed.
	var storeErr *storageEscalation
	if !errors.As(cause, &storeErr) {
		_ = h.jobs.Update(ctx, jobID, 0, func(j *models.Job) {
			h.syncWalker(j, walker)
		})
	} else {
		cause = storeErr.err
	}

	// Finalize and report
	final, err := h.jobs.Finish(ctx, jobID, cause, cancelled)
	if final != nil {
		h.metrics.JobFinished(string(final.State), final.Duration())
	}
	return final, err
}

// storageEscalation marks an upsert that failed twice.
type storageEscalation struct{ err error }

func (e *storageEscalation) Error() string { return e.err.Error() }
func (e *storageEscalation) Unwrap() error { return e.err }

func (h *Harvester) walk(ctx context.Context, logger *slog.Logger, serviceID, jobID string, walker *oai.Walker) error {
	for walker.Next(ctx) {
		// Records that fail to normalize are counted and passed over.
		rec, err := walker.Record()
		if err != nil {
			h.skip(ctx, logger, jobID, walker, err)
			continue
		}

		result, err := h.apply(ctx, logger, serviceID, rec)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, fault.ErrRange):
			// the store cannot represent one of the record's times
			h.skip(ctx, logger, jobID, walker, err)
			continue
		default:
			return &storageEscalation{err: err}
		}

		// counters and watermark move together
		_ = h.jobs.Update(ctx, jobID, 1, func(j *models.Job) {
			j.Processed++
			switch result {
			case models.UpsertInserted:
				j.Inserted++
			case models.UpsertUpdated:
				j.Updated++
			case models.UpsertUnchanged:
				j.Unchanged++
			case resultDeleted:
				j.Deleted++
			}
			h.syncWalker(j, walker)
		})
	}
	return nil
}

func (h *Harvester) skip(ctx context.Context, logger *slog.Logger, jobID string, walker *oai.Walker, err error) {
	logger.Warn("skipping record", "error", err, "kind", fault.KindOf(err))
	h.metrics.ObserveRecord("skipped")
	_ = h.jobs.Update(ctx, jobID, 0, func(j *models.Job) {
		j.Skipped++
		j.Pages = walker.Pages()
	})
}

func (h *Harvester) syncWalker(j *models.Job, walker *oai.Walker) {
	if mark, ok := walker.Watermark(); ok {
		j.Advance(mark)
	}
	j.Ignored = walker.Ignored()
	j.Pages = walker.Pages()
	if n := walker.CompleteListSize(); n >= 0 {
		j.CompleteListSize = n
	}
}

const resultDeleted models.UpsertResult = "deleted"

// apply writes one record. A storage fault is retried once.
func (h *Harvester) apply(ctx context.Context, logger *slog.Logger, serviceID string, rec *models.Record) (models.UpsertResult, error) {
	var (
		result models.UpsertResult
		err    error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		start := time.Now()
		result, err = h.write(ctx, serviceID, rec)
		h.metrics.ObserveUpsert(string(result), time.Since(start), err)
		if err == nil {
			return result, nil
		}
		err = storageFault("upsert "+rec.ExternalID, err)
		if ctx.Err() != nil || !errors.Is(err, fault.ErrStorage) {
			return "", err
		}
		if attempt == 1 {
			logger.Warn("upsert failed, retrying once", "external_id", rec.ExternalID, "error", err)
		}
	}
	return "", err
}

func (h *Harvester) write(ctx context.Context, serviceID string, rec *models.Record) (models.UpsertResult, error) {
	if rec.Deleted {
		if _, err := h.store.MarkDeleted(ctx, serviceID, rec.OAIID, rec.ProviderTime); err != nil {
			return "", err
		}
		return resultDeleted, nil
	}
	return h.store.Upsert(ctx, serviceID, rec, h.clock.Now())
}
