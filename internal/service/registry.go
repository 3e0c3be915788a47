package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
	"github.com/raphaelgruber/igsnharvest/internal/metrics"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/oai"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/raphaelgruber/igsnharvest/internal/timeconv"
	"golang.org/x/sync/errgroup"
)

// DefaultPackageDays is the window length of CreateJobPackage.
const DefaultPackageDays = 50

// DefaultFloor is the lower bound used for a service that advertises no
// earliest datestamp and has no job history.
var DefaultFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Options configures a Registry.
type Options struct {
	Clients        ClientFactory
	Metrics        *metrics.Metrics
	Clock          timeconv.Clock
	Logger         *slog.Logger
	Floor          time.Time
	MetadataPrefix string
}

// Registry manages services and decides what each top-up harvests.
type Registry struct {
	store     store.Store
	jobs      *JobManager
	harvester *Harvester
	clients   ClientFactory
	locks     *store.KeyLock
	clock     timeconv.Clock
	logger    *slog.Logger
	floor     time.Time
	prefix    string
}

// NewRegistry wires a registry, its job manager and harvester on st.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = timeconv.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Floor.IsZero() {
		opts.Floor = DefaultFloor
	}
	if opts.MetadataPrefix == "" {
		opts.MetadataPrefix = oai.DefaultMetadataPrefix
	}
	if opts.Clients == nil {
		logger := opts.Logger
		observer := opts.Metrics
		opts.Clients = func(svc *models.Service) *oai.Client {
			cfg := oai.Config{BaseURL: svc.BaseURL}
			if observer != nil {
				cfg.Observer = observer
			}
			return oai.NewClient(cfg, logger)
		}
	}

	jobs := NewJobManager(st, opts.Clock, opts.Logger)
	return &Registry{
		store:     st,
		jobs:      jobs,
		harvester: NewHarvester(st, jobs, opts.Clients, opts.Metrics, opts.Clock, opts.Logger),
		clients:   opts.Clients,
		locks:     store.NewKeyLock(),
		clock:     opts.Clock,
		logger:    opts.Logger,
		floor:     opts.Floor.UTC(),
		prefix:    opts.MetadataPrefix,
	}
}

// Jobs returns the job manager.
func (r *Registry) Jobs() *JobManager { return r.jobs }

// Client returns the protocol client of svc.
func (r *Registry) Client(svc *models.Service) *oai.Client { return r.clients(svc) }

// AddService registers a provider. A service whose earliest datestamp is
// unknown is described from its Identify response.
func (r *Registry) AddService(ctx context.Context, baseURL string) (*models.Service, error) {
	svc, created, err := r.store.GetOrCreateService(ctx, baseURL)
	if err != nil {
		return nil, storageFault("add service", err)
	}
	if created {
		r.logger.Info("service created", "service_id", svc.ID, "base_url", svc.BaseURL)
	}
	if svc.EarliestDatestamp != nil {
		return svc, nil
	}

	id, err := r.clients(svc).Identify(ctx)
	if err != nil {
		return svc, fmt.Errorf("identify %s: %w", svc.BaseURL, err)
	}
	applyIdentity(svc, id)
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, storageFault("update service", err)
	}
	return svc, nil
}

func applyIdentity(svc *models.Service, id *oai.Identity) {
	if id.RepositoryName != "" {
		svc.Name = id.RepositoryName
	}
	if len(id.AdminEmails) > 0 {
		svc.AdminEmail = id.AdminEmails[0]
	}
	if id.Granularity != "" {
		svc.Granularity = id.Granularity
	}
	if id.EarliestDatestamp != nil {
		svc.ObserveEarliest(*id.EarliestDatestamp)
	}
}

// RefreshService re-reads Identify and ListSets. The earliest datestamp
// only ever moves backwards.
func (r *Registry) RefreshService(ctx context.Context, serviceID string) (*models.Service, error) {
	svc, err := r.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	client := r.clients(svc)

	id, err := client.Identify(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify %s: %w", svc.BaseURL, err)
	}
	before := svc.EarliestDatestamp
	applyIdentity(svc, id)

	sets, err := client.ListSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sets %s: %w", svc.BaseURL, err)
	}
	svc.SetSpecs = svc.SetSpecs[:0]
	for _, s := range sets {
		svc.SetSpecs = append(svc.SetSpecs, s.Spec)
	}

	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, storageFault("update service", err)
	}
	r.logger.Info("service refreshed", "service_id", svc.ID, "sets", len(sets),
		"earliest_before", before, "earliest", svc.EarliestDatestamp)
	return svc, nil
}

// ResolveService finds a service by ID or base URL.
func (r *Registry) ResolveService(ctx context.Context, ref string) (*models.Service, error) {
	svc, err := r.store.GetService(ctx, ref)
	if err == nil {
		return svc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return r.store.GetServiceByURL(ctx, ref)
}

// NextWindow returns the window the next top-up of svc harvests. The lower
// bound is inclusive and derived from persisted job history.
func (r *Registry) NextWindow(ctx context.Context, svc *models.Service) (models.Window, error) {
	mark, ok, err := r.store.Watermark(ctx, svc.ID)
	if err != nil {
		return models.Window{}, storageFault("watermark", err)
	}

	var from time.Time
	switch {
	case ok && svc.EarliestDatestamp != nil && svc.EarliestDatestamp.After(mark):
		from = *svc.EarliestDatestamp
	case ok:
		from = mark
	case svc.EarliestDatestamp != nil:
		from = *svc.EarliestDatestamp
	default:
		from = r.floor
	}
	return models.Window{From: from.UTC()}, nil
}

// TopUpOptions are the per-run parameters of a top-up.
type TopUpOptions struct {
	MetadataPrefix string
	SetSpec        string
	IgnoreDeleted  bool
	// OnStart is called with the started job before the walk begins.
	OnStart func(*models.Job)
}

func (r *Registry) jobOptions(opts TopUpOptions) models.JobOptions {
	prefix := opts.MetadataPrefix
	if prefix == "" {
		prefix = r.prefix
	}
	return models.JobOptions{
		MetadataPrefix: prefix,
		SetSpec:        opts.SetSpec,
		IgnoreDeleted:  opts.IgnoreDeleted,
	}
}

// TopUp harvests everything svc published since the last successful or
// partial run and returns the finalized job. It fails with a conflict
// fault when a job of the service is already running.
func (r *Registry) TopUp(ctx context.Context, serviceID string, opts TopUpOptions) (*models.Job, error) {
	svc, err := r.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	job, err := r.startLocked(ctx, svc, true, func() (*models.Job, error) {
		w, err := r.NextWindow(ctx, svc)
		if err != nil {
			return nil, err
		}
		return r.jobs.Create(ctx, svc.ID, w, r.jobOptions(opts))
	})
	if err != nil {
		return nil, err
	}
	if opts.OnStart != nil {
		opts.OnStart(job)
	}
	return r.harvester.Run(ctx, svc, job.ID)
}

// startLocked checks for a running job, obtains a configured job from
// prepare and starts it, all under the per-service lock. With discard set,
// a prepared job that loses the start to another process is deleted again.
func (r *Registry) startLocked(ctx context.Context, svc *models.Service, discard bool, prepare func() (*models.Job, error)) (*models.Job, error) {
	unlock := r.locks.Lock(svc.ID)
	defer unlock()

	running, err := r.store.RunningJob(ctx, svc.ID)
	if err != nil {
		return nil, storageFault("running job", err)
	}
	if running != nil {
		return nil, fault.Conflict("top up", fmt.Errorf("service %s is already running job %s", svc.ID, running.ID))
	}

	job, err := prepare()
	if err != nil {
		return nil, err
	}
	started, err := r.jobs.Start(ctx, job.ID)
	if err != nil && discard && errors.Is(err, fault.ErrConflict) {
		// another process started a job between RunningJob and Start
		if derr := r.jobs.Discard(ctx, job.ID); derr != nil {
			r.logger.Warn("failed to discard unstarted job", "job_id", job.ID, "error", derr)
		}
	}
	return started, err
}

// TopUpAll tops up every registered service, at most concurrency at a
// time. Services that are already running are skipped.
func (r *Registry) TopUpAll(ctx context.Context, opts TopUpOptions, concurrency int) ([]*models.Job, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, storageFault("list services", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]*models.Job, len(services))
	errs := make([]error, len(services))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, svc := range services {
		g.Go(func() error {
			job, err := r.TopUp(gctx, svc.ID, opts)
			if errors.Is(err, fault.ErrConflict) {
				r.logger.Info("top-up skipped, job already running", "service_id", svc.ID)
				return nil
			}
			if err != nil {
				errs[i] = fmt.Errorf("top up %s: %w", svc.BaseURL, err)
				return nil
			}
			results[i] = job
			return nil
		})
	}
	_ = g.Wait()

	var jobs []*models.Job
	for _, job := range results {
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, errors.Join(errs...)
}

// CreateJobPackage splits [from, until) into contiguous windows of at most
// days days and creates one configured job per window, including the
// trailing remainder.
func (r *Registry) CreateJobPackage(ctx context.Context, serviceID string, from, until time.Time, days int, opts TopUpOptions) ([]*models.Job, error) {
	if days <= 0 {
		days = DefaultPackageDays
	}
	from, until = from.UTC(), until.UTC()
	if !until.After(from) {
		return nil, fmt.Errorf("package window from %s is not before until %s", from.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	svc, err := r.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.DayGranularity() {
		// windows must start on date boundaries the provider can express
		from = timeconv.BeginningOfDay(from)
	}

	var jobs []*models.Job
	for _, w := range splitWindow(from, until, days) {
		job, err := r.jobs.Create(ctx, svc.ID, w, r.jobOptions(opts))
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	r.logger.Info("job package created", "service_id", svc.ID, "jobs", len(jobs), "days", days)
	return jobs, nil
}

func splitWindow(from, until time.Time, days int) []models.Window {
	step := time.Duration(days) * 24 * time.Hour
	var windows []models.Window
	for start := from; start.Before(until); start = start.Add(step) {
		end := start.Add(step)
		if end.After(until) {
			end = until
		}
		windows = append(windows, models.Window{From: start, Until: &end})
	}
	return windows
}

// RunPackage runs configured jobs in order. It stops at the first conflict
// or cancellation and returns the jobs finalized so far.
func (r *Registry) RunPackage(ctx context.Context, jobs []*models.Job) ([]*models.Job, error) {
	var done []*models.Job
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		svc, err := r.store.GetService(ctx, job.ServiceID)
		if err != nil {
			return done, err
		}
		started, err := r.startLocked(ctx, svc, false, func() (*models.Job, error) { return job, nil })
		if err != nil {
			return done, err
		}
		final, err := r.harvester.Run(ctx, svc, started.ID)
		if err != nil {
			return done, err
		}
		done = append(done, final)
	}
	return done, nil
}
