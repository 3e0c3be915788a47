package db

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

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
		Payload: models.Payload{
			Variant: models.VariantIGSN,
			Sample:  &models.SamplePayload{SampleNumber: "10273/" + id, IdentifierType: "igsn"},
		},
	}
}

func TestServices(t *testing.T) {
	ctx := requireDB(t)

	svc, created, err := testDB.GetOrCreateService(ctx, "http://example.org/oai")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := testDB.GetOrCreateService(ctx, "http://example.org/oai")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, svc.ID, again.ID)

	svc.Name = "Example"
	svc.ObserveEarliest(t0)
	svc.SetSpecs = []string{"A", "B"}
	require.NoError(t, testDB.UpdateService(ctx, svc))

	got, err := testDB.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", got.Name)
	require.NotNil(t, got.EarliestDatestamp)
	assert.True(t, t0.Equal(*got.EarliestDatestamp))
	assert.Equal(t, []string{"A", "B"}, got.SetSpecs)

	_, err = testDB.GetService(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	list, err := testDB.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJobsAndWatermark(t *testing.T) {
	ctx := requireDB(t)

	a, err := models.NewJob("job-a", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	b, err := models.NewJob("job-b", "svc", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, testDB.CreateJob(ctx, a))
	require.NoError(t, testDB.CreateJob(ctx, b))
	assert.True(t, errors.Is(testDB.CreateJob(ctx, a), store.ErrConflict))

	require.NoError(t, a.Start(t0))
	require.NoError(t, testDB.SaveJob(ctx, a))
	require.NoError(t, b.Start(t0))
	err = testDB.SaveJob(ctx, b)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	running, err := testDB.RunningJob(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, "job-a", running.ID)

	_, ok, err := testDB.Watermark(ctx, "svc")
	require.NoError(t, err)
	assert.False(t, ok)

	a.Advance(t0.Add(48 * time.Hour))
	a.Processed = 3
	require.NoError(t, a.Finish(t0.Add(time.Minute), nil, false))
	require.NoError(t, testDB.SaveJob(ctx, a))

	mark, ok, err := testDB.Watermark(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, t0.Add(48*time.Hour).Equal(mark))

	got, err := testDB.GetJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.State)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, "igsn", got.MetadataPrefix)

	jobs, err := testDB.ListJobs(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-b", jobs[0].ID)

	ghost, _ := models.NewJob("ghost", "svc", models.Window{From: t0}, models.JobOptions{}, t0)
	assert.True(t, errors.Is(testDB.SaveJob(ctx, ghost), store.ErrNotFound))
}

func TestUpsertIdentifier(t *testing.T) {
	ctx := requireDB(t)
	now := t0.Add(240 * time.Hour)

	res, err := testDB.Upsert(ctx, "svc", sample("X1", t0), now)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertInserted, res)

	res, err = testDB.Upsert(ctx, "svc", sample("X1", t0), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUnchanged, res)

	changed := sample("X1", t0.Add(time.Hour))
	changed.Registrant = "GFZ"
	res, err = testDB.Upsert(ctx, "svc", changed, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, res)

	got, err := testDB.GetIdentifier(ctx, "svc", "X1")
	require.NoError(t, err)
	assert.Equal(t, "GFZ", got.Registrant)
	assert.Equal(t, store.IdentifierID("svc", "X1"), got.ID)
	assert.True(t, now.Add(2*time.Hour).Equal(got.HarvestedAt))
	require.NotNil(t, got.Payload.Sample)
	assert.Equal(t, "10273/X1", got.Payload.Sample.SampleNumber)
	require.Len(t, got.Log, 1)
	assert.Equal(t, "submitted", got.Log[0].Event)
}

func TestUpsertConcurrentSameKey(t *testing.T) {
	ctx := requireDB(t)

	var wg sync.WaitGroup
	results := make([]models.UpsertResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := testDB.Upsert(ctx, "svc", sample("SAME", t0), t0)
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

	n, err := testDB.CountIdentifiers(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkDeletedAndList(t *testing.T) {
	ctx := requireDB(t)

	for i, id := range []string{"C", "A", "B"} {
		_, err := testDB.Upsert(ctx, "svc", sample(id, t0.Add(time.Duration(i)*time.Hour)), t0)
		require.NoError(t, err)
	}

	n, err := testDB.MarkDeleted(ctx, "svc", "oai:test:A", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "row newer than the deletion stays")

	n, err = testDB.MarkDeleted(ctx, "svc", "oai:test:A", t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := testDB.ListIdentifiers(ctx, "svc", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"C", "B", "A"}, []string{list[0].ExternalID, list[1].ExternalID, list[2].ExternalID})
	assert.True(t, list[2].Deleted)

	page, err := testDB.ListIdentifiers(ctx, "svc", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "B", page[0].ExternalID)
}

func TestDeleteJob(t *testing.T) {
	ctx := requireDB(t)

	configured, err := models.NewJob("del-a", "svc-del", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	started, err := models.NewJob("del-b", "svc-del", models.Window{From: t0}, models.JobOptions{MetadataPrefix: "igsn"}, t0)
	require.NoError(t, err)
	require.NoError(t, testDB.CreateJob(ctx, configured))
	require.NoError(t, testDB.CreateJob(ctx, started))
	require.NoError(t, started.Start(t0))
	require.NoError(t, testDB.SaveJob(ctx, started))

	require.NoError(t, testDB.DeleteJob(ctx, "del-a"))
	_, err = testDB.GetJob(ctx, "del-a")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	assert.True(t, errors.Is(testDB.DeleteJob(ctx, "del-b"), store.ErrNotFound))
}
