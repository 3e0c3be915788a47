package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/surrealdb/surrealdb.go"
)

func (c *Client) selectJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	var out []*models.Job
	for _, r := range rows(results, 0) {
		job, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// CreateJob implements store.Jobs.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := surrealdb.Query[any](ctx, c.db, `CREATE type::record("harvest_job", $id) CONTENT $row`, map[string]any{
		"id":  job.ID,
		"row": newJobRow(job),
	})
	if err = wrapQueryError(err); errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// saveJobSQL rejects a second running job of a service inside one
// transaction, so the check holds across harvester processes.
const saveJobSQL = `
	BEGIN TRANSACTION;
	LET $existing = SELECT VALUE id FROM type::record("harvest_job", $id);
	IF array::len($existing) = 0 {
		THROW "` + msgJobNotFound + `"
	};
	IF $row.state = "running" {
		LET $others = SELECT VALUE id FROM harvest_job
			WHERE service = $row.service AND state = "running" AND id != type::record("harvest_job", $id);
		IF array::len($others) > 0 {
			THROW "` + msgJobRunning + `"
		};
	};
	UPDATE type::record("harvest_job", $id) CONTENT $row;
	COMMIT TRANSACTION;
`

// SaveJob implements store.Jobs.
func (c *Client) SaveJob(ctx context.Context, job *models.Job) error {
	_, err := surrealdb.Query[any](ctx, c.db, saveJobSQL, map[string]any{
		"id":  job.ID,
		"row": newJobRow(job),
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, wrapQueryError(err))
	}
	return nil
}

// DeleteJob implements store.Jobs.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	results, err := surrealdb.Query[[]jobRow](ctx, c.db, `
		DELETE harvest_job WHERE id = type::record("harvest_job", $id) AND state = "configured" RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete job: %w", wrapQueryError(err))
	}
	if len(rows(results, 0)) == 0 {
		return fmt.Errorf("configured job %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetJob implements store.Jobs.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	found, err := c.selectJobs(ctx, `SELECT * FROM type::record("harvest_job", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return found[0], nil
}

// ListJobs implements store.Jobs.
func (c *Client) ListJobs(ctx context.Context, serviceID string) ([]*models.Job, error) {
	sql := `SELECT * FROM harvest_job ORDER BY created_at DESC, id DESC`
	vars := map[string]any{}
	if serviceID != "" {
		sql = `SELECT * FROM harvest_job WHERE service = $service ORDER BY created_at DESC, id DESC`
		vars["service"] = serviceID
	}
	found, err := c.selectJobs(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return found, nil
}

// RunningJob implements store.Jobs.
func (c *Client) RunningJob(ctx context.Context, serviceID string) (*models.Job, error) {
	found, err := c.selectJobs(ctx, `SELECT * FROM harvest_job WHERE service = $service AND state = "running" LIMIT 1`,
		map[string]any{"service": serviceID})
	if err != nil {
		return nil, fmt.Errorf("running job: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// Watermark implements store.Jobs.
func (c *Client) Watermark(ctx context.Context, serviceID string) (time.Time, bool, error) {
	results, err := surrealdb.Query[[]struct {
		LastRecordAt *time.Time `json:"last_record_at"`
	}](ctx, c.db, `
		SELECT last_record_at FROM harvest_job
		WHERE service = $service AND state IN ["succeeded", "partial"] AND last_record_at != NONE
		ORDER BY last_record_at DESC LIMIT 1
	`, map[string]any{"service": serviceID})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark: %w", wrapQueryError(err))
	}
	found := rows(results, 0)
	if len(found) == 0 || found[0].LastRecordAt == nil {
		return time.Time{}, false, nil
	}
	return found[0].LastRecordAt.UTC(), true, nil
}
