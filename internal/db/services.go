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

// rows returns the result set of statement i, or nil.
func rows[T any](results *[]surrealdb.QueryResult[[]T], i int) []T {
	if results == nil || len(*results) <= i {
		return nil
	}
	return (*results)[i].Result
}

func (c *Client) selectServices(ctx context.Context, sql string, vars map[string]any) ([]*models.Service, error) {
	results, err := surrealdb.Query[[]serviceRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	var out []*models.Service
	for _, r := range rows(results, 0) {
		svc, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// GetOrCreateService implements store.Services. A concurrent create of the
// same base URL loses on the unique index and returns the winner's row.
func (c *Client) GetOrCreateService(ctx context.Context, baseURL string) (*models.Service, bool, error) {
	svc, err := c.GetServiceByURL(ctx, baseURL)
	if err == nil {
		return svc, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	svc = &models.Service{ID: store.NewServiceID(), BaseURL: baseURL, CreatedAt: now, UpdatedAt: now}
	created, err := c.selectServices(ctx, `CREATE type::record("service", $id) CONTENT $row RETURN AFTER`, map[string]any{
		"id":  svc.ID,
		"row": newServiceRow(svc),
	})
	if errors.Is(err, ErrAlreadyExists) {
		svc, err := c.GetServiceByURL(ctx, baseURL)
		return svc, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create service: %w", err)
	}
	if len(created) == 0 {
		return nil, false, fmt.Errorf("create service: no result returned")
	}
	return created[0], true, nil
}

// GetService implements store.Services.
func (c *Client) GetService(ctx context.Context, id string) (*models.Service, error) {
	found, err := c.selectServices(ctx, `SELECT * FROM type::record("service", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("service %s: %w", id, store.ErrNotFound)
	}
	return found[0], nil
}

// GetServiceByURL implements store.Services.
func (c *Client) GetServiceByURL(ctx context.Context, baseURL string) (*models.Service, error) {
	found, err := c.selectServices(ctx, `SELECT * FROM service WHERE base_url = $url LIMIT 1`, map[string]any{"url": baseURL})
	if err != nil {
		return nil, fmt.Errorf("get service by url: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("service %s: %w", baseURL, store.ErrNotFound)
	}
	return found[0], nil
}

// ListServices implements store.Services.
func (c *Client) ListServices(ctx context.Context) ([]*models.Service, error) {
	found, err := c.selectServices(ctx, `SELECT * FROM service ORDER BY created_at, base_url`, nil)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return found, nil
}

// UpdateService implements store.Services.
func (c *Client) UpdateService(ctx context.Context, svc *models.Service) error {
	row := newServiceRow(svc)
	row.UpdatedAt = time.Now().UTC()
	updated, err := c.selectServices(ctx, `UPDATE type::record("service", $id) CONTENT $row RETURN AFTER`, map[string]any{
		"id":  svc.ID,
		"row": row,
	})
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	if len(updated) == 0 {
		return fmt.Errorf("service %s: %w", svc.ID, store.ErrNotFound)
	}
	return nil
}
