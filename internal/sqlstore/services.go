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

type serviceRow struct {
	ID                string               `db:"id"`
	BaseURL           string               `db:"base_url"`
	Name              string               `db:"name"`
	AdminEmail        string               `db:"admin_email"`
	EarliestDatestamp sql.NullTime         `db:"earliest_datestamp"`
	Granularity       string               `db:"granularity"`
	SetSpecs          jsonColumn[[]string] `db:"set_specs"`
	CreatedAt         time.Time            `db:"created_at"`
	UpdatedAt         time.Time            `db:"updated_at"`
}

func (r serviceRow) model() *models.Service {
	return &models.Service{
		ID:                r.ID,
		BaseURL:           r.BaseURL,
		Name:              r.Name,
		AdminEmail:        r.AdminEmail,
		EarliestDatestamp: utc(r.EarliestDatestamp),
		Granularity:       r.Granularity,
		SetSpecs:          r.SetSpecs.V,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

const serviceColumns = `id, base_url, name, admin_email, earliest_datestamp, granularity, set_specs, created_at, updated_at`

func (s *Store) getService(ctx context.Context, where string, arg any) (*models.Service, error) {
	var row serviceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+serviceColumns+` FROM services WHERE `+where+` = ?`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %v: %w", arg, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return row.model(), nil
}

// GetOrCreateService implements store.Services.
func (s *Store) GetOrCreateService(ctx context.Context, baseURL string) (*models.Service, bool, error) {
	svc, err := s.GetServiceByURL(ctx, baseURL)
	if err == nil {
		return svc, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	svc = &models.Service{ID: store.NewServiceID(), BaseURL: baseURL, SetSpecs: []string{}, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), svc.ID, svc.BaseURL, svc.Name, svc.AdminEmail, nullTime(svc.EarliestDatestamp), svc.Granularity,
		jsonColumn[[]string]{svc.SetSpecs}, svc.CreatedAt, svc.UpdatedAt)
	if isUniqueViolation(err) {
		svc, err := s.GetServiceByURL(ctx, baseURL)
		return svc, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, true, nil
}

// GetService implements store.Services.
func (s *Store) GetService(ctx context.Context, id string) (*models.Service, error) {
	return s.getService(ctx, "id", id)
}

// GetServiceByURL implements store.Services.
func (s *Store) GetServiceByURL(ctx context.Context, baseURL string) (*models.Service, error) {
	return s.getService(ctx, "base_url", baseURL)
}

// ListServices implements store.Services.
func (s *Store) ListServices(ctx context.Context) ([]*models.Service, error) {
	var rows []serviceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+serviceColumns+` FROM services ORDER BY created_at, base_url`); err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	out := make([]*models.Service, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// UpdateService implements store.Services.
func (s *Store) UpdateService(ctx context.Context, svc *models.Service) error {
	specs := svc.SetSpecs
	if specs == nil {
		specs = []string{}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE services SET name = ?, admin_email = ?, earliest_datestamp = ?, granularity = ?, set_specs = ?, updated_at = ?
		WHERE id = ?
	`), svc.Name, svc.AdminEmail, nullTime(svc.EarliestDatestamp), svc.Granularity,
		jsonColumn[[]string]{specs}, time.Now().UTC(), svc.ID)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %s: %w", svc.ID, store.ErrNotFound)
	}
	return nil
}
