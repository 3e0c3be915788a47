package db

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// recordKey extracts the string key of a SurrealDB record ID.
func recordKey(id *surrealmodels.RecordID) (string, error) {
	if id == nil {
		return "", fmt.Errorf("row without id")
	}
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type serviceRow struct {
	ID                *surrealmodels.RecordID `json:"id,omitempty"`
	BaseURL           string                  `json:"base_url"`
	Name              string                  `json:"name"`
	AdminEmail        string                  `json:"admin_email"`
	EarliestDatestamp *time.Time              `json:"earliest_datestamp,omitempty"`
	Granularity       string                  `json:"granularity"`
	SetSpecs          []string                `json:"set_specs"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

func newServiceRow(svc *models.Service) serviceRow {
	return serviceRow{
		BaseURL:           svc.BaseURL,
		Name:              svc.Name,
		AdminEmail:        svc.AdminEmail,
		EarliestDatestamp: utcPtr(svc.EarliestDatestamp),
		Granularity:       svc.Granularity,
		SetSpecs:          orEmpty(svc.SetSpecs),
		CreatedAt:         svc.CreatedAt.UTC(),
		UpdatedAt:         svc.UpdatedAt.UTC(),
	}
}

func (r serviceRow) model() (*models.Service, error) {
	id, err := recordKey(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.Service{
		ID:                id,
		BaseURL:           r.BaseURL,
		Name:              r.Name,
		AdminEmail:        r.AdminEmail,
		EarliestDatestamp: utcPtr(r.EarliestDatestamp),
		Granularity:       r.Granularity,
		SetSpecs:          r.SetSpecs,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

type jobRow struct {
	ID             *surrealmodels.RecordID `json:"id,omitempty"`
	Service        string                  `json:"service"`
	State          string                  `json:"state"`
	WindowFrom     time.Time               `json:"window_from"`
	WindowUntil    *time.Time              `json:"window_until,omitempty"`
	EffectiveUntil *time.Time              `json:"effective_until,omitempty"`
	MetadataPrefix string                  `json:"metadata_prefix"`
	SetSpec        string                  `json:"set_spec"`
	IgnoreDeleted  bool                    `json:"ignore_deleted"`
	CreatedAt      time.Time               `json:"created_at"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	LastRecordAt   *time.Time              `json:"last_record_at,omitempty"`
	Counters       models.JobCounters      `json:"counters"`
	Error          string                  `json:"error"`
}

func newJobRow(job *models.Job) jobRow {
	return jobRow{
		Service:        job.ServiceID,
		State:          string(job.State),
		WindowFrom:     job.From.UTC(),
		WindowUntil:    utcPtr(job.Until),
		EffectiveUntil: utcPtr(job.EffectiveUntil),
		MetadataPrefix: job.MetadataPrefix,
		SetSpec:        job.SetSpec,
		IgnoreDeleted:  job.IgnoreDeleted,
		CreatedAt:      job.CreatedAt.UTC(),
		StartedAt:      utcPtr(job.StartedAt),
		EndedAt:        utcPtr(job.EndedAt),
		LastRecordAt:   utcPtr(job.LastRecordAt),
		Counters:       job.JobCounters,
		Error:          job.Error,
	}
}

func (r jobRow) model() (*models.Job, error) {
	id, err := recordKey(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.Job{
		ID:        id,
		ServiceID: r.Service,
		Window:    models.Window{From: r.WindowFrom.UTC(), Until: utcPtr(r.WindowUntil)},
		JobOptions: models.JobOptions{
			MetadataPrefix: r.MetadataPrefix,
			SetSpec:        r.SetSpec,
			IgnoreDeleted:  r.IgnoreDeleted,
		},
		State:          models.JobState(r.State),
		EffectiveUntil: utcPtr(r.EffectiveUntil),
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      utcPtr(r.StartedAt),
		EndedAt:        utcPtr(r.EndedAt),
		LastRecordAt:   utcPtr(r.LastRecordAt),
		JobCounters:    r.Counters,
		Error:          r.Error,
	}, nil
}

type identifierRow struct {
	ID           *surrealmodels.RecordID    `json:"id,omitempty"`
	Service      string                     `json:"service"`
	ExternalID   string                     `json:"external_id"`
	OAIID        string                     `json:"oai_id"`
	Registrant   string                     `json:"registrant"`
	ProviderTime time.Time                  `json:"provider_time"`
	IGSNTime     *time.Time                 `json:"igsn_time,omitempty"`
	HarvestedAt  time.Time                  `json:"harvested_at"`
	SetSpecs     []string                   `json:"set_specs"`
	Log          []models.LogEvent          `json:"log"`
	Related      []models.RelatedIdentifier `json:"related"`
	Payload      models.Payload             `json:"payload"`
	Deleted      bool                       `json:"deleted"`
}

func newIdentifierRow(ident *models.Identifier) identifierRow {
	return identifierRow{
		Service:      ident.ServiceID,
		ExternalID:   ident.ExternalID,
		OAIID:        ident.OAIID,
		Registrant:   ident.Registrant,
		ProviderTime: ident.ProviderTime.UTC(),
		IGSNTime:     utcPtr(ident.IGSNTime),
		HarvestedAt:  ident.HarvestedAt.UTC(),
		SetSpecs:     orEmpty(ident.SetSpecs),
		Log:          orEmpty(ident.Log),
		Related:      orEmpty(ident.Related),
		Payload:      ident.Payload,
		Deleted:      ident.Deleted,
	}
}

func (r identifierRow) model() (*models.Identifier, error) {
	id, err := recordKey(r.ID)
	if err != nil {
		return nil, err
	}
	ident := &models.Identifier{
		ID:           id,
		ServiceID:    r.Service,
		ExternalID:   r.ExternalID,
		OAIID:        r.OAIID,
		Registrant:   r.Registrant,
		ProviderTime: r.ProviderTime.UTC(),
		IGSNTime:     utcPtr(r.IGSNTime),
		HarvestedAt:  r.HarvestedAt.UTC(),
		SetSpecs:     r.SetSpecs,
		Log:          r.Log,
		Related:      r.Related,
		Payload:      r.Payload,
		Deleted:      r.Deleted,
	}
	for i := range ident.Log {
		ident.Log[i].Time = ident.Log[i].Time.UTC()
	}
	return ident, nil
}
