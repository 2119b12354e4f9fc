package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrder(t *testing.T) {
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry, err := NewRegistry(jobA, jobB)
	require.NoError(t, err)

	jobs := registry.Jobs()
	require.Len(t, jobs, 2)
	assert.Same(t, jobA, jobs[0])
	assert.Same(t, jobB, jobs[1])
	assert.Equal(t, []string{"a", "b"}, registry.Names())

	jobs[0] = nil
	assert.NotNil(t, registry.Jobs()[0], "Jobs must return a copy")
}

func TestRegistryRejectsBadJobs(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	assert.Error(t, registry.Register(nil))
	assert.Error(t, registry.Register(&stubJob{name: "  "}))
	require.NoError(t, registry.Register(&stubJob{name: "sweep"}))
	assert.ErrorContains(t, registry.Register(&stubJob{name: "sweep"}), "registered twice")

	_, err = NewRegistry(&stubJob{name: "x"}, &stubJob{name: "x"})
	assert.Error(t, err)
}

func TestRegistryFind(t *testing.T) {
	sweep := &stubJob{name: StaleCheckoutSweepJob}
	registry, err := NewRegistry(sweep)
	require.NoError(t, err)

	assert.Same(t, sweep, registry.Find(StaleCheckoutSweepJob))
	assert.Nil(t, registry.Find("missing"))
}
