package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfold/sessionfold/internal/model"
)

func TestBuildImpact_FlagsDenseBursts(t *testing.T) {
	base := ts(t, "2023-02-01T08:00:00Z")

	var events []model.RawEvent
	// 60 events inside ten minutes: collapses to one record.
	for i := 0; i < 60; i++ {
		events = append(events, event("burst", model.PlatformWeb,
			base.Add(time.Duration(i)*10*time.Second), "1", "0.1"))
	}
	// A quiet partition: two events, two buckets, barely any reduction.
	events = append(events,
		event("quiet", model.PlatformWeb, base, "1", "0.1"),
		event("quiet", model.PlatformWeb, base.Add(7*time.Hour), "1", "0.1"),
	)

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)

	impacts := BuildImpact(run, ImpactOptions{
		ReductionThreshold: 0.5,
		MinRawCount:        50,
		MaxSpan:            time.Hour,
	})
	require.Len(t, impacts, 2)

	burst := impacts[0]
	assert.Equal(t, "burst", burst.Key.UserID)
	assert.Equal(t, 60, burst.RawCount)
	assert.Equal(t, 1, burst.RecordCount)
	assert.InDelta(t, 1-1.0/60.0, burst.Reduction, 1e-9)
	assert.True(t, burst.Flagged)

	quiet := impacts[1]
	assert.Equal(t, "quiet", quiet.Key.UserID)
	assert.Equal(t, 2, quiet.RawCount)
	assert.Equal(t, 2, quiet.RecordCount)
	assert.False(t, quiet.Flagged)
}

func TestBuildImpact_MinRawCountSkipsSmallPartitions(t *testing.T) {
	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:01:00Z"), "1", "0"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:02:00Z"), "1", "0"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)

	// 3 -> 1 is a 66% reduction, but the partition is too small to be
	// interesting.
	impacts := BuildImpact(run, ImpactOptions{ReductionThreshold: 0.5, MinRawCount: 10})
	require.Len(t, impacts, 1)
	assert.False(t, impacts[0].Flagged)

	impacts = BuildImpact(run, ImpactOptions{ReductionThreshold: 0.5})
	assert.True(t, impacts[0].Flagged)
}

func TestBuildImpact_NegativeThresholdFlagsEverything(t *testing.T) {
	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T15:00:00Z"), "1", "0"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)

	// Two events in two buckets: zero reduction. The default threshold
	// would never flag this; a negative one flags every partition.
	impacts := BuildImpact(run, ImpactOptions{ReductionThreshold: -1})
	require.Len(t, impacts, 1)
	assert.Equal(t, 0.0, impacts[0].Reduction)
	assert.True(t, impacts[0].Flagged)
}

func TestBuildImpact_FailedPartitionsNeverFlagged(t *testing.T) {
	bad := event("broken", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "-1", "0")
	events := []model.RawEvent{bad, bad, bad}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, run.Failed, 1)

	impacts := BuildImpact(run, ImpactOptions{})
	require.Len(t, impacts, 1)
	assert.Equal(t, 3, impacts[0].RawCount)
	assert.Equal(t, 0, impacts[0].RecordCount)
	assert.False(t, impacts[0].Flagged)
}
