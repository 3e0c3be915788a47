package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
)

type jobRow struct {
	ID               string       `db:"id"`
	ServiceID        string       `db:"service_id"`
	State            string       `db:"state"`
	WindowFrom       time.Time    `db:"window_from"`
	WindowUntil      sql.NullTime `db:"window_until"`
	EffectiveUntil   sql.NullTime `db:"effective_until"`
	MetadataPrefix   string       `db:"metadata_prefix"`
	SetSpec          string       `db:"set_spec"`
	IgnoreDeleted    bool         `db:"ignore_deleted"`
	CreatedAt        time.Time    `db:"created_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	EndedAt          sql.NullTime `db:"ended_at"`
	LastRecordAt     sql.NullTime `db:"last_record_at"`
	Processed        int          `db:"processed"`
	Inserted         int          `db:"inserted"`
	Updated          int          `db:"updated"`
	Unchanged        int          `db:"unchanged"`
	Deleted          int          `db:"deleted"`
	Ignored          int          `db:"ignored"`
	Skipped          int          `db:"skipped"`
	Pages            int          `db:"pages"`
	CompleteListSize int          `db:"complete_list_size"`
	Error            string       `db:"error"`
}

const jobColumns = `id, service_id, state, window_from, window_until, effective_until, metadata_prefix, set_spec,
	ignore_deleted, created_at, started_at, ended_at, last_record_at, processed, inserted, updated, unchanged,
	deleted, ignored, skipped, pages, complete_list_size, error`

func newJobRow(job *models.Job) jobRow {
	return jobRow{
		ID:               job.ID,
		ServiceID:        job.ServiceID,
		State:            string(job.State),
		WindowFrom:       job.From.UTC(),
		WindowUntil:      nullTime(job.Until),
		EffectiveUntil:   nullTime(job.EffectiveUntil),
		MetadataPrefix:   job.MetadataPrefix,
		SetSpec:          job.SetSpec,
		IgnoreDeleted:    job.IgnoreDeleted,
		CreatedAt:        job.CreatedAt.UTC(),
		StartedAt:        nullTime(job.StartedAt),
		EndedAt:          nullTime(job.EndedAt),
		LastRecordAt:     nullTime(job.LastRecordAt),
		Processed:        job.Processed,
		Inserted:         job.Inserted,
		Updated:          job.Updated,
		Unchanged:        job.Unchanged,
		Deleted:          job.Deleted,
		Ignored:          job.Ignored,
		Skipped:          job.Skipped,
		Pages:            job.Pages,
		CompleteListSize: job.CompleteListSize,
		Error:            job.Error,
	}
}

func (r jobRow) model() *models.Job {
	return &models.Job{
		ID:        r.ID,
		ServiceID: r.ServiceID,
		Window:    models.Window{From: r.WindowFrom.UTC(), Until: utc(r.WindowUntil)},
		JobOptions: models.JobOptions{
			MetadataPrefix: r.MetadataPrefix,
			SetSpec:        r.SetSpec,
			IgnoreDeleted:  r.IgnoreDeleted,
		},
		State:          models.JobState(r.State),
		EffectiveUntil: utc(r.EffectiveUntil),
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      utc(r.StartedAt),
		EndedAt:        utc(r.EndedAt),
		LastRecordAt:   utc(r.LastRecordAt),
		JobCounters: models.JobCounters{
			Processed:        r.Processed,
			Inserted:         r.Inserted,
			Updated:          r.Updated,
			Unchanged:        r.Unchanged,
			Deleted:          r.Deleted,
			Ignored:          r.Ignored,
			Skipped:          r.Skipped,
			Pages:            r.Pages,
			CompleteListSize: r.CompleteListSize,
		},
		Error: r.Error,
	}
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*models.Job, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// CreateJob implements store.Jobs.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO harvest_jobs (`+jobColumns+`)
		VALUES (:id, :service_id, :state, :window_from, :window_until, :effective_until, :metadata_prefix, :set_spec,
			:ignore_deleted, :created_at, :started_at, :ended_at, :last_record_at, :processed, :inserted, :updated,
			:unchanged, :deleted, :ignored, :skipped, :pages, :complete_list_size, :error)
	`, newJobRow(job))
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// SaveJob implements store.Jobs. The partial unique index on running jobs
// rejects a second running job of a service.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE harvest_jobs SET
			state = :state, window_from = :window_from, window_until = :window_until,
			effective_until = :effective_until, started_at = :started_at, ended_at = :ended_at,
			last_record_at = :last_record_at, processed = :processed, inserted = :inserted, updated = :updated,
			unchanged = :unchanged, deleted = :deleted, ignored = :ignored, skipped = :skipped, pages = :pages,
			complete_list_size = :complete_list_size, error = :error
		WHERE id = :id
	`, newJobRow(job))
	if isUniqueViolation(err) {
		return fmt.Errorf("service %s already running a job: %w", job.ServiceID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	return nil
}

// DeleteJob implements store.Jobs.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM harvest_jobs WHERE id = ? AND state = 'configured'`), id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("configured job %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetJob implements store.Jobs.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM harvest_jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.model(), nil
}

// ListJobs implements store.Jobs.
func (s *Store) ListJobs(ctx context.Context, serviceID string) ([]*models.Job, error) {
	var (
		jobs []*models.Job
		err  error
	)
	if serviceID == "" {
		jobs, err = s.selectJobs(ctx, `SELECT `+jobColumns+` FROM harvest_jobs ORDER BY created_at DESC, id DESC`)
	} else {
		jobs, err = s.selectJobs(ctx, `SELECT `+jobColumns+` FROM harvest_jobs WHERE service_id = ? ORDER BY created_at DESC, id DESC`, serviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// RunningJob implements store.Jobs.
func (s *Store) RunningJob(ctx context.Context, serviceID string) (*models.Job, error) {
	jobs, err := s.selectJobs(ctx, `SELECT `+jobColumns+` FROM harvest_jobs WHERE service_id = ? AND state = 'running'`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get running job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Watermark implements store.Jobs.
func (s *Store) Watermark(ctx context.Context, serviceID string) (time.Time, bool, error) {
	var mark time.Time
	err := s.db.GetContext(ctx, &mark, s.db.Rebind(`
		SELECT last_record_at FROM harvest_jobs
		WHERE service_id = ? AND state IN ('succeeded', 'partial') AND last_record_at IS NOT NULL
		ORDER BY last_record_at DESC LIMIT 1
	`), serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get watermark: %w", err)
	}
	return mark.UTC(), true, nil
}
