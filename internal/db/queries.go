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

func (c *Client) selectIdentifiers(ctx context.Context, sql string, vars map[string]any) ([]*models.Identifier, error) {
	results, err := surrealdb.Query[[]identifierRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	var out []*models.Identifier
	for _, r := range rows(results, 0) {
		ident, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, nil
}

func (c *Client) loadIdentifier(ctx context.Context, id string) (*models.Identifier, error) {
	found, err := c.selectIdentifiers(ctx, `SELECT * FROM type::record("identifier", $id)`, map[string]any{"id": id})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// Upsert implements store.Identifiers. Writers in this process are
// serialized per row; a concurrent insert from another process surfaces as
// ErrAlreadyExists and is retried as an update.
func (c *Client) Upsert(ctx context.Context, serviceID string, rec *models.Record, harvestedAt time.Time) (models.UpsertResult, error) {
	id := store.IdentifierID(serviceID, rec.ExternalID)
	unlock := c.keys.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := c.loadIdentifier(ctx, id)
		if err != nil {
			return "", fmt.Errorf("load identifier: %w", err)
		}

		if current == nil {
			ident := models.NewIdentifier(id, serviceID, rec, harvestedAt)
			_, err := surrealdb.Query[any](ctx, c.db, `CREATE type::record("identifier", $id) CONTENT $row`, map[string]any{
				"id":  id,
				"row": newIdentifierRow(ident),
			})
			err = wrapQueryError(err)
			if errors.Is(err, ErrAlreadyExists) && attempt == 0 {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("create identifier: %w", err)
			}
			return models.UpsertInserted, nil
		}

		result := current.Apply(rec, harvestedAt)
		_, err = surrealdb.Query[any](ctx, c.db, `UPDATE type::record("identifier", $id) CONTENT $row`, map[string]any{
			"id":  id,
			"row": newIdentifierRow(current),
		})
		if err != nil {
			return "", fmt.Errorf("update identifier: %w", wrapQueryError(err))
		}
		return result, nil
	}
}

// MarkDeleted implements store.Identifiers.
func (c *Client) MarkDeleted(ctx context.Context, serviceID, oaiID string, at time.Time) (int, error) {
	changed, err := c.selectIdentifiers(ctx, `
		UPDATE identifier SET deleted = true, provider_time = $at
		WHERE service = $service AND oai_id = $oai_id AND deleted = false AND provider_time <= $at
		RETURN AFTER
	`, map[string]any{
		"service": serviceID,
		"oai_id":  oaiID,
		"at":      at.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("mark deleted: %w", err)
	}
	return len(changed), nil
}

// GetIdentifier implements store.Identifiers.
func (c *Client) GetIdentifier(ctx context.Context, serviceID, externalID string) (*models.Identifier, error) {
	ident, err := c.loadIdentifier(ctx, store.IdentifierID(serviceID, externalID))
	if err != nil {
		return nil, fmt.Errorf("get identifier: %w", err)
	}
	if ident == nil {
		return nil, fmt.Errorf("identifier %s: %w", externalID, store.ErrNotFound)
	}
	return ident, nil
}

// ListIdentifiers implements store.Identifiers.
func (c *Client) ListIdentifiers(ctx context.Context, serviceID string, offset, limit int) ([]*models.Identifier, error) {
	sql := `SELECT * FROM identifier WHERE service = $service ORDER BY provider_time, external_id START $offset`
	vars := map[string]any{"service": serviceID, "offset": max(offset, 0)}
	if limit > 0 {
		sql = `SELECT * FROM identifier WHERE service = $service ORDER BY provider_time, external_id LIMIT $limit START $offset`
		vars["limit"] = limit
	}
	found, err := c.selectIdentifiers(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	return found, nil
}

// CountIdentifiers implements store.Identifiers.
func (c *Client) CountIdentifiers(ctx context.Context, serviceID string) (int, error) {
	results, err := surrealdb.Query[[]struct {
		C int `json:"c"`
	}](ctx, c.db, `SELECT count() AS c FROM identifier WHERE service = $service GROUP ALL`,
		map[string]any{"service": serviceID})
	if err != nil {
		return 0, fmt.Errorf("count identifiers: %w", wrapQueryError(err))
	}
	found := rows(results, 0)
	if len(found) == 0 {
		return 0, nil
	}
	return found[0].C, nil
}
