package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "harvest.db") + "?_busy_timeout=5000"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), DriverSQLite, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	// migrating an up-to-date database is a no-op
	require.NoError(t, Migrate(DriverSQLite, dsn, logger))
	return s
}

func sample(id string, stamp time.Time) *models.Record {
	igsn := stamp.Add(-time.Hour)
	return &models.Record{
		OAIID:        "oai:test:" + id,
		ExternalID:   id,
		ProviderTime: stamp,
		IGSNTime:     &igsn,
		Registrant:   "IEDA",
		SetSpecs:     []string{"IEDA"},
		Log:          []models.LogEvent{{Event: "submitted", Time: igsn}},
		Related:      []models.RelatedIdentifier{{ID: "10.1000/x", IDType: "doi", Relation: "IsCitedBy"}},
		Payload: models.Payload{
			Variant: models.VariantIGSN,
			Sample:  &models.SamplePayload{SampleNumber: "10273/" + id, IdentifierType: "igsn"},
		},
	}
}

func TestSQLiteServices(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	svc, created, err := s.GetOrCreateService(ctx, "http://example.org/oai")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.GetOrCreateService(ctx, "http://example.org/oai")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, svc.ID, again.ID)

	svc.Name = "Example"
	svc.ObserveEarliest(t0)
	svc.SetSpecs = []string{"A", "B"}
	require.NoError(t, s.UpdateService(ctx, svc))

	got, err := s.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", got.Name)
	require.NotNil(t, got.EarliestDatestamp)
	assert.Equal(t, t0, *got.EarliestDatestamp)
	assert.Equal(t, []string{"A", "B"}, got.SetSpecs)

	_, err = s.GetService(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateService(ctx, &models.Service{ID: "missing"}), store.ErrNotFound))

	list, err := s.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteJobs(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	a, err := models.NewJob("job-a", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	b, err := models.NewJob("job-b", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, a))
	require.NoError(t, s.CreateJob(ctx, b))
	assert.True(t, errors.Is(s.CreateJob(ctx, a), store.ErrConflict))

	require.NoError(t, a.Start(t0))
	require.NoError(t, s.SaveJob(ctx, a))
	require.NoError(t, b.Start(t0))
	assert.True(t, errors.Is(s.SaveJob(ctx, b), store.ErrConflict))

	running, err := s.RunningJob(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, "job-a", running.ID)

	_, ok, err := s.Watermark(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, ok)

	a.Advance(t0.Add(48 * time.Hour))
	a.Processed = 3
	require.NoError(t, a.Finish(t0.Add(time.Minute), nil, false))
	require.NoError(t, s.SaveJob(ctx, a))

	mark, ok, err := s.Watermark(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(48*time.Hour), mark)

	got, err := s.GetJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	// the running slot is free again
	require.NoError(t, s.SaveJob(ctx, b))

	jobs, err := s.ListJobs(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-b", jobs[0].ID)

	all, err := s.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ghost, _ := models.NewJob("ghost", "svc", models.Window{From: t0}, models.JobOptions{}, t0)
	assert.True(t, errors.Is(s.SaveJob(ctx, ghost), store.ErrNotFound))
	_, err = s.GetJob(ctx, "ghost")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSQLiteUpsert(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	now := t0.Add(240 * time.Hour)

	res, err := s.Upsert(ctx, "svc", sample("X1", t0), now)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertInserted, res)

	res, err = s.Upsert(ctx, "svc", sample("X1", t0), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUnchanged, res)

	got, err := s.GetIdentifier(ctx, "svc", "X1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.HarvestedAt, "harvest time is refreshed on unchanged")

	older := sample("X1", t0.Add(-time.Hour))
	older.Registrant = "OLD"
	res, err = s.Upsert(ctx, "svc", older, now)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUnchanged, res)

	changed := sample("X1", t0.Add(time.Hour))
	changed.Registrant = "GFZ"
	res, err = s.Upsert(ctx, "svc", changed, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, res)

	got, err = s.GetIdentifier(ctx, "svc", "X1")
	require.NoError(t, err)
	assert.Equal(t, "GFZ", got.Registrant)
	assert.Equal(t, store.IdentifierID("svc", "X1"), got.ID)
	require.NotNil(t, got.Payload.Sample)
	assert.Equal(t, "10273/X1", got.Payload.Sample.SampleNumber)
	assert.Equal(t, changed.Related, got.Related)
	assert.Equal(t, *changed.IGSNTime, *got.IGSNTime)

	_, err = s.GetIdentifier(ctx, "svc", "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSQLiteUpsertConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	var wg sync.WaitGroup
	results := make([]models.UpsertResult, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Upsert(ctx, "svc", sample("SAME", t0), t0)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	inserted := 0
	for _, r := range results {
		if r == models.UpsertInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	n, err := s.CountIdentifiers(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteMarkDeletedAndList(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	for i, id := range []string{"C", "A", "B"} {
		_, err := s.Upsert(ctx, "svc", sample(id, t0.Add(time.Duration(i)*time.Hour)), t0)
		require.NoError(t, err)
	}

	n, err := s.MarkDeleted(ctx, "svc", "oai:test:B", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "row newer than the deletion stays")

	n, err = s.MarkDeleted(ctx, "svc", "oai:test:A", t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.MarkDeleted(ctx, "svc", "oai:test:A", t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "already deleted")

	list, err := s.ListIdentifiers(ctx, "svc", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"C", "B", "A"}, []string{list[0].ExternalID, list[1].ExternalID, list[2].ExternalID})
	assert.True(t, list[2].Deleted)
	assert.Equal(t, t0.Add(5*time.Hour), list[2].ProviderTime)

	page, err := s.ListIdentifiers(ctx, "svc", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "B", page[0].ExternalID)

	n, err = s.CountIdentifiers(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteDeleteJob(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	configured, err := models.NewJob("job-a", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	started, err := models.NewJob("job-b", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, configured))
	require.NoError(t, s.CreateJob(ctx, started))
	require.NoError(t, started.Start(t0))
	require.NoError(t, s.SaveJob(ctx, started))

	require.NoError(t, s.DeleteJob(ctx, "job-a"))
	_, err = s.GetJob(ctx, "job-a")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	assert.True(t, errors.Is(s.DeleteJob(ctx, "job-b"), store.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteJob(ctx, "job-a"), store.ErrNotFound))
}
