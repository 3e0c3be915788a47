package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
)

type identifierRow struct {
	ID           string                                 `db:"id"`
	ServiceID    string                                 `db:"service_id"`
	ExternalID   string                                 `db:"external_id"`
	OAIID        string                                 `db:"oai_id"`
	Registrant   string                                 `db:"registrant"`
	ProviderTime time.Time                              `db:"provider_time"`
	IGSNTime     sql.NullTime                           `db:"igsn_time"`
	HarvestedAt  time.Time                              `db:"harvested_at"`
	SetSpecs     jsonColumn[[]string]                   `db:"set_specs"`
	Log          jsonColumn[[]models.LogEvent]          `db:"log"`
	Related      jsonColumn[[]models.RelatedIdentifier] `db:"related"`
	Payload      jsonColumn[models.Payload]             `db:"payload"`
	Deleted      bool                                   `db:"deleted"`
}

const identifierColumns = `id, service_id, external_id, oai_id, registrant, provider_time, igsn_time, harvested_at,
	set_specs, log, related, payload, deleted`

func newIdentifierRow(ident *models.Identifier) identifierRow {
	return identifierRow{
		ID:           ident.ID,
		ServiceID:    ident.ServiceID,
		ExternalID:   ident.ExternalID,
		OAIID:        ident.OAIID,
		Registrant:   ident.Registrant,
		ProviderTime: ident.ProviderTime.UTC(),
		IGSNTime:     nullTime(ident.IGSNTime),
		HarvestedAt:  ident.HarvestedAt.UTC(),
		SetSpecs:     jsonColumn[[]string]{orEmpty(ident.SetSpecs)},
		Log:          jsonColumn[[]models.LogEvent]{orEmpty(ident.Log)},
		Related:      jsonColumn[[]models.RelatedIdentifier]{orEmpty(ident.Related)},
		Payload:      jsonColumn[models.Payload]{ident.Payload},
		Deleted:      ident.Deleted,
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r identifierRow) model() *models.Identifier {
	return &models.Identifier{
		ID:           r.ID,
		ServiceID:    r.ServiceID,
		ExternalID:   r.ExternalID,
		OAIID:        r.OAIID,
		Registrant:   r.Registrant,
		ProviderTime: r.ProviderTime.UTC(),
		IGSNTime:     utc(r.IGSNTime),
		HarvestedAt:  r.HarvestedAt.UTC(),
		SetSpecs:     r.SetSpecs.V,
		Log:          r.Log.V,
		Related:      r.Related.V,
		Payload:      r.Payload.V,
		Deleted:      r.Deleted,
	}
}

func (s *Store) loadIdentifier(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (*models.Identifier, error) {
	query := `SELECT ` + identifierColumns + ` FROM identifiers WHERE id = ?`
	if lock && s.postgres() {
		query += ` FOR UPDATE`
	}
	var row identifierRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

// Upsert implements store.Identifiers. The read-merge-write runs in one
// transaction and is serialized per row within the process; an insert that
// loses to another process is retried as an update.
func (s *Store) Upsert(ctx context.Context, serviceID string, rec *models.Record, harvestedAt time.Time) (models.UpsertResult, error) {
	if err := s.checkTimes("upsert "+rec.ExternalID, &rec.ProviderTime, rec.IGSNTime, &harvestedAt); err != nil {
		return "", err
	}
	id := store.IdentifierID(serviceID, rec.ExternalID)
	unlock := s.keys.Lock(id)
	defer unlock()

	result, err := s.upsertTx(ctx, serviceID, id, rec, harvestedAt)
	if isUniqueViolation(err) {
		result, err = s.upsertTx(ctx, serviceID, id, rec, harvestedAt)
	}
	return result, err
}

func (s *Store) upsertTx(ctx context.Context, serviceID, id string, rec *models.Record, harvestedAt time.Time) (models.UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.loadIdentifier(ctx, tx, id, true)
	if err != nil {
		return "", fmt.Errorf("failed to load identifier: %w", err)
	}

	var result models.UpsertResult
	if current == nil {
		result = models.UpsertInserted
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO identifiers (`+identifierColumns+`)
			VALUES (:id, :service_id, :external_id, :oai_id, :registrant, :provider_time, :igsn_time, :harvested_at,
				:set_specs, :log, :related, :payload, :deleted)
		`, newIdentifierRow(models.NewIdentifier(id, serviceID, rec, harvestedAt)))
	} else {
		result = current.Apply(rec, harvestedAt)
		_, err = tx.NamedExecContext(ctx, `
			UPDATE identifiers SET
				oai_id = :oai_id, registrant = :registrant, provider_time = :provider_time, igsn_time = :igsn_time,
				harvested_at = :harvested_at, set_specs = :set_specs, log = :log, related = :related,
				payload = :payload, deleted = :deleted
			WHERE id = :id
		`, newIdentifierRow(current))
	}
	if err != nil {
		return "", fmt.Errorf("failed to write identifier: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit identifier: %w", err)
	}
	return result, nil
}

// MarkDeleted implements store.Identifiers.
func (s *Store) MarkDeleted(ctx context.Context, serviceID, oaiID string, at time.Time) (int, error) {
	if err := s.checkTimes("mark deleted "+oaiID, &at); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE identifiers SET deleted = ?, provider_time = ?
		WHERE service_id = ? AND oai_id = ? AND deleted = ? AND provider_time <= ?
	`), true, at.UTC(), serviceID, oaiID, false, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark deleted: %w", err)
	}
	return int(n), nil
}

// GetIdentifier implements store.Identifiers.
func (s *Store) GetIdentifier(ctx context.Context, serviceID, externalID string) (*models.Identifier, error) {
	ident, err := s.loadIdentifier(ctx, s.db, store.IdentifierID(serviceID, externalID), false)
	if err != nil {
		return nil, fmt.Errorf("failed to get identifier: %w", err)
	}
	if ident == nil {
		return nil, fmt.Errorf("identifier %s: %w", externalID, store.ErrNotFound)
	}
	return ident, nil
}

// ListIdentifiers implements store.Identifiers.
func (s *Store) ListIdentifiers(ctx context.Context, serviceID string, offset, limit int) ([]*models.Identifier, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	var rows []identifierRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+identifierColumns+` FROM identifiers
		WHERE service_id = ?
		ORDER BY provider_time, external_id
		LIMIT ? OFFSET ?
	`), serviceID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	out := make([]*models.Identifier, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// CountIdentifiers implements store.Identifiers.
func (s *Store) CountIdentifiers(ctx context.Context, serviceID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM identifiers WHERE service_id = ?`), serviceID); err != nil {
		return 0, fmt.Errorf("failed to count identifiers: %w", err)
	}
	return n, nil
}
