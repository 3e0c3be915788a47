// Package store defines the persistence contract of the harvester and an
// in-memory implementation of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/igsnharvest/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness rule, such
	// as a second running job for one service.
	ErrConflict = errors.New("conflict")
)

// Services persists OAI-PMH providers.
type Services interface {
	// GetOrCreateService returns the service registered for baseURL,
	// creating it if needed. created reports whether a row was added.
	GetOrCreateService(ctx context.Context, baseURL string) (svc *models.Service, created bool, err error)
	GetService(ctx context.Context, id string) (*models.Service, error)
	GetServiceByURL(ctx context.Context, baseURL string) (*models.Service, error)
	ListServices(ctx context.Context) ([]*models.Service, error)
	UpdateService(ctx context.Context, svc *models.Service) error
}

// Jobs persists harvest job history.
type Jobs interface {
	CreateJob(ctx context.Context, job *models.Job) error
	// SaveJob overwrites the stored job. Saving a running job while another
	// job of the same service is running fails with ErrConflict.
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// DeleteJob removes a job that never started. Jobs in any other state
	// are history and fail with ErrNotFound.
	DeleteJob(ctx context.Context, id string) error
	// ListJobs returns jobs newest first. An empty serviceID lists all.
	ListJobs(ctx context.Context, serviceID string) ([]*models.Job, error)
	// RunningJob returns the running job of a service, or nil.
	RunningJob(ctx context.Context, serviceID string) (*models.Job, error)
	// Watermark is the latest LastRecordAt over succeeded and partial jobs.
	Watermark(ctx context.Context, serviceID string) (time.Time, bool, error)
}

// Identifiers persists harvested records.
type Identifiers interface {
	Upsert(ctx context.Context, serviceID string, rec *models.Record, harvestedAt time.Time) (models.UpsertResult, error)
	// MarkDeleted flags the rows harvested under oaiID as deleted unless they
	// carry a newer provider time than at. It returns the rows changed.
	MarkDeleted(ctx context.Context, serviceID, oaiID string, at time.Time) (int, error)
	GetIdentifier(ctx context.Context, serviceID, externalID string) (*models.Identifier, error)
	// ListIdentifiers pages through a service's rows ordered by provider time.
	ListIdentifiers(ctx context.Context, serviceID string, offset, limit int) ([]*models.Identifier, error)
	CountIdentifiers(ctx context.Context, serviceID string) (int, error)
}

// Store is the full persistence surface used by the harvester.
type Store interface {
	Services
	Jobs
	Identifiers
	Close(ctx context.Context) error
}

var identifierNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// IdentifierID derives the stable row ID of (serviceID, externalID). All
// backends use it so that rows can be moved between them.
func IdentifierID(serviceID, externalID string) string {
	return uuid.NewSHA1(identifierNamespace, []byte(serviceID+"\x00"+externalID)).String()
}

// NewServiceID returns a fresh service ID.
func NewServiceID() string {
	return uuid.New().String()
}

// NewJobID returns a short job ID.
func NewJobID() string {
	return uuid.New().String()[:8]
}
