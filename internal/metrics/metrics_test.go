package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gled4er/durabletask/internal/metrics"
)

func TestRegistry_RegistersEveryMetricExactlyOnce(t *testing.T) {
	reg := metrics.New("test-hub")

	reg.PartitionsOwned.Set(3)
	reg.CheckpointPhaseDuration.WithLabelValues("phase1_outbound").Observe(0.01)

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegistry_PartitionsOwnedReflectsSet(t *testing.T) {
	reg := metrics.New("another-hub")
	reg.PartitionsOwned.Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.PartitionsOwned))
}

func TestRegistry_ConstLabelsIncludeTaskHub(t *testing.T) {
	reg := metrics.New("labeled-hub")
	reg.CheckpointsCompleted.Inc()

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() != "durabletask_checkpoint_completed_total" {
			continue
		}
		found = true
		for _, label := range fam.GetMetric()[0].GetLabel() {
			if label.GetName() == "task_hub" {
				assert.Equal(t, "labeled-hub", label.GetValue())
			}
		}
	}
	assert.True(t, found, "expected durabletask_checkpoint_completed_total metric family")
}
