package workerspool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeThreadCountsFor(t *testing.T) {
	testCases := []struct {
		hardwareConcurrency           int
		wantActor, wantActorAndKernel int
	}{
		{0, 2, 4},
		{1, 2, 4},
		{2, 2, 4},
		{4, 3, 5},
		{6, 5, 7},
		{16, 5, 7},
		{64, 5, 12},
		{256, 5, 51},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("cpus=%d", tc.hardwareConcurrency), func(t *testing.T) {
			actor, actorAndKernel := ComputeThreadCountsFor(tc.hardwareConcurrency, DefaultSizingConfig)
			assert.Equal(t, tc.wantActor, actor)
			assert.Equal(t, tc.wantActorAndKernel, actorAndKernel)
		})
	}
}

func TestComputeThreadCountsForBounds(t *testing.T) {
	configs := []SizingConfig{
		DefaultSizingConfig,
		{MinActorThreads: 1, MaxActorThreads: 1, ParallelJobs: 1},
		{MinActorThreads: 3, MaxActorThreads: 32, ParallelJobs: 2},
	}
	for _, config := range configs {
		for cpus := 0; cpus <= 1024; cpus++ {
			actor, actorAndKernel := ComputeThreadCountsFor(cpus, config)
			require.GreaterOrEqual(t, actor, config.MinActorThreads)
			require.LessOrEqual(t, actor, config.MaxActorThreads)
			require.GreaterOrEqual(t, actorAndKernel, actor+2)
			if config == DefaultSizingConfig {
				require.GreaterOrEqual(t, actor, 2)
			}
		}
	}
}

func TestParseSizingConfig(t *testing.T) {
	c, err := ParseSizingConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSizingConfig, c)

	c, err = ParseSizingConfig("min=1, max=8")
	require.NoError(t, err)
	assert.Equal(t, SizingConfig{MinActorThreads: 1, MaxActorThreads: 8, ParallelJobs: 5}, c)

	c, err = ParseSizingConfig("parallel=2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ParallelJobs)

	for _, invalid := range []string{"min=0", "min=4,max=3", "parallel=0", "min", "min=x", "threads=3"} {
		_, err = ParseSizingConfig(invalid)
		assert.Errorf(t, err, "config %q should have failed", invalid)
	}
}

func TestSizingConfigFromEnv(t *testing.T) {
	t.Setenv(ACTORFLOW_THREADS, "min=1,max=3,parallel=2")
	assert.Equal(t, SizingConfig{MinActorThreads: 1, MaxActorThreads: 3, ParallelJobs: 2}, SizingConfigFromEnv())

	// Invalid overrides are ignored.
	t.Setenv(ACTORFLOW_THREADS, "min=4,max=3")
	assert.Equal(t, DefaultSizingConfig, SizingConfigFromEnv())
	t.Setenv(ACTORFLOW_THREADS, "threads=3")
	assert.Equal(t, DefaultSizingConfig, SizingConfigFromEnv())

	t.Setenv(ACTORFLOW_THREADS, "")
	assert.Equal(t, DefaultSizingConfig, SizingConfigFromEnv())
}

func TestComputeThreadCounts(t *testing.T) {
	actor, actorAndKernel := ComputeThreadCounts()
	assert.GreaterOrEqual(t, actor, 2)
	assert.GreaterOrEqual(t, actorAndKernel, actor+2)
	actor2, actorAndKernel2 := ComputeThreadCounts()
	assert.Equal(t, actor, actor2)
	assert.Equal(t, actorAndKernel, actorAndKernel2)
	assert.Equal(t, actorAndKernel, NewForActors().MaxParallelism())
}
