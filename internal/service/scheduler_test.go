package service

import (
	"context"
	"testing"

	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, nil)

	_, err := NewScheduler(h.registry, "every now and then", TopUpOptions{}, 1, discardL)
	assert.Error(t, err)

	for _, spec := range []string{"", "@every 30m", "0 */6 * * *"} {
		s, err := NewScheduler(h.registry, spec, TopUpOptions{}, 1, discardL)
		require.NoError(t, err, spec)
		assert.NotNil(t, s)
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	p := &fakeProvider{}
	p.add("A", day(1))
	p.add("B", day(2))
	h := newHarness(t, p, nil)

	s, err := NewScheduler(h.registry, "@every 1h", TopUpOptions{}, 2, discardL)
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(context.Background()))

	jobs, err := h.registry.Jobs().List(context.Background(), h.service.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobSucceeded, jobs[0].State)
	assert.Equal(t, 2, jobs[0].Inserted)
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, nil)
	s, err := NewScheduler(h.registry, "@every 1h", TopUpOptions{}, 1, discardL)
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop()
}
