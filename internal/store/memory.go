package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
)

// MemoryStore keeps everything in process memory. Services and jobs share a
// mutex; identifier rows are serialized per key only.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*models.Service
	byURL    map[string]string
	jobs     map[string]*models.Job

	identifiers sync.Map // row ID -> *models.Identifier
	byOAIID     sync.Map // serviceID|oaiID -> *oaiIndex
	keys        *KeyLock
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*models.Service),
		byURL:    make(map[string]string),
		jobs:     make(map[string]*models.Job),
		keys:     NewKeyLock(),
	}
}

// Close implements Store.
func (s *MemoryStore) Close(context.Context) error { return nil }

func cloneService(svc *models.Service) *models.Service {
	c := *svc
	c.SetSpecs = slices.Clone(svc.SetSpecs)
	if svc.EarliestDatestamp != nil {
		t := *svc.EarliestDatestamp
		c.EarliestDatestamp = &t
	}
	return &c
}

// GetOrCreateService implements Services.
func (s *MemoryStore) GetOrCreateService(_ context.Context, baseURL string) (*models.Service, bool, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, false, errors.New("service url is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byURL[baseURL]; ok {
		return cloneService(s.services[id]), false, nil
	}
	now := time.Now().UTC()
	svc := &models.Service{
		ID:        NewServiceID(),
		BaseURL:   baseURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.services[svc.ID] = svc
	s.byURL[baseURL] = svc.ID
	return cloneService(svc), true, nil
}

// GetService implements Services.
func (s *MemoryStore) GetService(_ context.Context, id string) (*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	return cloneService(svc), nil
}

// GetServiceByURL implements Services.
func (s *MemoryStore) GetServiceByURL(ctx context.Context, baseURL string) (*models.Service, error) {
	s.mu.RLock()
	id, ok := s.byURL[strings.TrimSpace(baseURL)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %s: %w", baseURL, ErrNotFound)
	}
	return s.GetService(ctx, id)
}

// ListServices implements Services.
func (s *MemoryStore) ListServices(context.Context) ([]*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, cloneService(svc))
	}
	slices.SortFunc(out, func(a, b *models.Service) int {
		return strings.Compare(a.BaseURL, b.BaseURL)
	})
	return out, nil
}

// UpdateService implements Services.
func (s *MemoryStore) UpdateService(_ context.Context, svc *models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.ID]; !ok {
		return fmt.Errorf("service %s: %w", svc.ID, ErrNotFound)
	}
	c := cloneService(svc)
	c.UpdatedAt = time.Now().UTC()
	s.services[svc.ID] = c
	return nil
}

// CreateJob implements Jobs.
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	return s.putJobLocked(job)
}

// SaveJob implements Jobs.
func (s *MemoryStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return s.putJobLocked(job)
}

func (s *MemoryStore) putJobLocked(job *models.Job) error {
	if job.State == models.JobRunning {
		for _, other := range s.jobs {
			if other.ID != job.ID && other.ServiceID == job.ServiceID && other.State == models.JobRunning {
				return fmt.Errorf("service %s already running job %s: %w", job.ServiceID, other.ID, ErrConflict)
			}
		}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// DeleteJob implements Jobs.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != models.JobConfigured {
		return fmt.Errorf("configured job %s: %w", id, ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// GetJob implements Jobs.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs implements Jobs.
func (s *MemoryStore) ListJobs(_ context.Context, serviceID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if serviceID == "" || job.ServiceID == serviceID {
			out = append(out, job.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// RunningJob implements Jobs.
func (s *MemoryStore) RunningJob(_ context.Context, serviceID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.ServiceID == serviceID && job.State == models.JobRunning {
			return job.Clone(), nil
		}
	}
	return nil, nil
}

// Watermark implements Jobs.
func (s *MemoryStore) Watermark(_ context.Context, serviceID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mark time.Time
	found := false
	for _, job := range s.jobs {
		if job.ServiceID != serviceID || !job.State.AdvancesWatermark() || job.LastRecordAt == nil {
			continue
		}
		if !found || job.LastRecordAt.After(mark) {
			mark = *job.LastRecordAt
			found = true
		}
	}
	return mark, found, nil
}

// oaiIndex maps serviceID|oaiID to the set of row IDs harvested under it.
type oaiIndex struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *MemoryStore) indexOAIID(serviceID, oaiID, rowID string) {
	v, _ := s.byOAIID.LoadOrStore(serviceID+"|"+oaiID, &oaiIndex{ids: make(map[string]struct{})})
	idx := v.(*oaiIndex)
	idx.mu.Lock()
	idx.ids[rowID] = struct{}{}
	idx.mu.Unlock()
}

// Upsert implements Identifiers.
func (s *MemoryStore) Upsert(_ context.Context, serviceID string, rec *models.Record, harvestedAt time.Time) (models.UpsertResult, error) {
	id := IdentifierID(serviceID, rec.ExternalID)
	unlock := s.keys.Lock(id)
	defer unlock()

	v, ok := s.identifiers.Load(id)
	if !ok {
		s.identifiers.Store(id, models.NewIdentifier(id, serviceID, rec, harvestedAt))
		s.indexOAIID(serviceID, rec.OAIID, id)
		return models.UpsertInserted, nil
	}

	ident := *v.(*models.Identifier)
	result := ident.Apply(rec, harvestedAt)
	s.identifiers.Store(id, &ident)
	s.indexOAIID(serviceID, ident.OAIID, id)
	return result, nil
}

// MarkDeleted implements Identifiers.
func (s *MemoryStore) MarkDeleted(_ context.Context, serviceID, oaiID string, at time.Time) (int, error) {
	v, ok := s.byOAIID.Load(serviceID + "|" + oaiID)
	if !ok {
		return 0, nil
	}
	idx := v.(*oaiIndex)
	idx.mu.Lock()
	ids := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		ids = append(ids, id)
	}
	idx.mu.Unlock()

	at = at.UTC()
	changed := 0
	for _, id := range ids {
		unlock := s.keys.Lock(id)
		if v, ok := s.identifiers.Load(id); ok {
			ident := *v.(*models.Identifier)
			if !ident.Deleted && !ident.ProviderTime.After(at) {
				ident.Deleted = true
				ident.ProviderTime = at
				s.identifiers.Store(id, &ident)
				changed++
			}
		}
		unlock()
	}
	return changed, nil
}

// GetIdentifier implements Identifiers.
func (s *MemoryStore) GetIdentifier(_ context.Context, serviceID, externalID string) (*models.Identifier, error) {
	v, ok := s.identifiers.Load(IdentifierID(serviceID, externalID))
	if !ok {
		return nil, fmt.Errorf("identifier %s: %w", externalID, ErrNotFound)
	}
	c := *v.(*models.Identifier)
	return &c, nil
}

func (s *MemoryStore) serviceRows(serviceID string) []*models.Identifier {
	var rows []*models.Identifier
	s.identifiers.Range(func(_, v any) bool {
		ident := v.(*models.Identifier)
		if ident.ServiceID == serviceID {
			c := *ident
			rows = append(rows, &c)
		}
		return true
	})
	return rows
}

// ListIdentifiers implements Identifiers.
func (s *MemoryStore) ListIdentifiers(_ context.Context, serviceID string, offset, limit int) ([]*models.Identifier, error) {
	rows := s.serviceRows(serviceID)
	slices.SortFunc(rows, func(a, b *models.Identifier) int {
		if c := a.ProviderTime.Compare(b.ProviderTime); c != 0 {
			return c
		}
		return strings.Compare(a.ExternalID, b.ExternalID)
	})
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

// CountIdentifiers implements Identifiers.
func (s *MemoryStore) CountIdentifiers(_ context.Context, serviceID string) (int, error) {
	return len(s.serviceRows(serviceID)), nil
}

var _ Store = (*MemoryStore)(nil)
