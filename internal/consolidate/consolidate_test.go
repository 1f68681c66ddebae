package consolidate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfold/sessionfold/internal/model"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func event(user string, platform model.Platform, when time.Time, volume, fee string) model.RawEvent {
	return model.RawEvent{
		UserID:    user,
		Platform:  platform,
		Timestamp: when,
		Volume:    decimal.RequireFromString(volume),
		Fee:       decimal.RequireFromString(fee),
	}
}

func TestRun_TwoBucketsAcrossTheDay(t *testing.T) {
	// u1/web/2023-02-01: 08:00 and 08:05 share the first six-hour
	// bucket from the 08:00 origin; 14:01 lands in the second.
	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0.5"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:05:00Z"), "2", "1.0"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T14:01:00Z"), "3", "1.5"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, run.Records, 2)

	first := run.Records[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, "2023-02-01", first.Date)
	assert.Equal(t, model.PlatformWeb, first.Platform)
	assert.Equal(t, 1, first.Bucket)
	assert.Equal(t, ts(t, "2023-02-01T08:00:00Z"), first.RepresentativeTimestamp)
	assert.True(t, first.Volume.Equal(decimal.RequireFromString("3")), "bucket 1 volume: %s", first.Volume)
	assert.True(t, first.Fee.Equal(decimal.RequireFromString("1.5")), "bucket 1 fee: %s", first.Fee)

	second := run.Records[1]
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, 2, second.Bucket)
	assert.Equal(t, ts(t, "2023-02-01T14:01:00Z"), second.RepresentativeTimestamp)
	assert.True(t, second.Volume.Equal(decimal.RequireFromString("3")))
	assert.True(t, second.Fee.Equal(decimal.RequireFromString("1.5")))
}

func TestRun_BurstCollapsesToSingleRecord(t *testing.T) {
	base := ts(t, "2023-02-01T08:00:00Z")

	var events []model.RawEvent
	wantVolume := decimal.Zero
	wantFee := decimal.Zero
	for i := 0; i < 20; i++ {
		e := event("u1", model.PlatformIOS, base.Add(time.Duration(i)*30*time.Second), "2", "0.25")
		events = append(events, e)
		wantVolume = wantVolume.Add(e.Volume)
		wantFee = wantFee.Add(e.Fee)
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, run.Records, 1)

	rec := run.Records[0]
	assert.Equal(t, 1, rec.Bucket)
	assert.Equal(t, base, rec.RepresentativeTimestamp)
	assert.True(t, rec.Volume.Equal(wantVolume))
	assert.True(t, rec.Fee.Equal(wantFee))
}

func TestRun_NullIdentityExcludedButCounted(t *testing.T) {
	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0.5"),
		event("", model.PlatformWeb, ts(t, "2023-02-01T08:01:00Z"), "9", "9"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:02:00Z"), "2", "1.0"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, run.Records, 1)
	assert.Equal(t, 1, run.NullIdentity)

	// The anonymous event's values must not leak into any sum.
	assert.True(t, run.Records[0].Volume.Equal(decimal.RequireFromString("3")))
	assert.True(t, run.Records[0].Fee.Equal(decimal.RequireFromString("1.5")))
}

func TestBucketFor_BoundariesGoToTheLaterBucket(t *testing.T) {
	c := New(Options{})
	origin := time.Date(2023, 2, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		offset time.Duration
		want   int
	}{
		{"origin itself", 0, 1},
		{"just inside bucket 1", 6*time.Hour - time.Nanosecond, 1},
		{"exactly 360 minutes", 6 * time.Hour, 2},
		{"inside bucket 2", 11 * time.Hour, 2},
		{"exactly 720 minutes", 12 * time.Hour, 3},
		{"exactly 1080 minutes", 18 * time.Hour, 4},
		{"far beyond the day", 90 * time.Hour, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.bucketFor(origin, origin.Add(tt.offset))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBucketFor_BeforeOriginFails(t *testing.T) {
	c := New(Options{})
	origin := time.Date(2023, 2, 1, 8, 0, 0, 0, time.UTC)

	_, err := c.bucketFor(origin, origin.Add(-time.Second))
	assert.Error(t, err)
}

func TestRun_SingleEventPartition(t *testing.T) {
	only := event("u1", model.PlatformAndroid, ts(t, "2023-02-01T23:45:00Z"), "0", "0")

	run, err := New(Options{}).Run(context.Background(), []model.RawEvent{only})
	require.NoError(t, err)
	require.Len(t, run.Records, 1)

	rec := run.Records[0]
	assert.Equal(t, 1, rec.Bucket)
	assert.Equal(t, only.Timestamp, rec.RepresentativeTimestamp)

	// Zero measures are valid values, not missing ones.
	assert.True(t, rec.Volume.Equal(decimal.Zero))
	assert.True(t, rec.Fee.Equal(decimal.Zero))
}

func TestRun_CardinalityBound(t *testing.T) {
	base := ts(t, "2023-03-10T00:00:00Z")

	// Events scattered over the whole day and beyond still fold into at
	// most four records.
	var events []model.RawEvent
	for i := 0; i < 200; i++ {
		events = append(events, event("u9", model.PlatformWeb,
			base.Add(time.Duration(i*17)*time.Minute), "1", "0.1"))
	}

	// Force a single calendar day so the bound applies to one partition.
	for i := range events {
		if events[i].Timestamp.UTC().Format(model.DateLayout) != "2023-03-10" {
			events = events[:i]
			break
		}
	}
	require.Greater(t, len(events), 4)

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(run.Records), 1)
	assert.LessOrEqual(t, len(run.Records), 4)
}

func TestRun_ConservationAcrossAdversarialClustering(t *testing.T) {
	// A mix of bursts, boundary-straddling events and multi-partition
	// traffic. Totals per partition must survive consolidation exactly.
	var events []model.RawEvent
	users := []string{"a", "b", "c"}
	platforms := []model.Platform{model.PlatformWeb, model.PlatformAndroid, model.PlatformIOS}
	base := ts(t, "2023-05-01T00:00:00Z")

	for ui, user := range users {
		for pi, platform := range platforms {
			for i := 0; i < 40; i++ {
				// Cluster at the partition start, then one straggler
				// per six-hour boundary.
				offset := time.Duration(i%7) * time.Minute
				if i%10 == 0 {
					offset = time.Duration(i/10) * 6 * time.Hour
				}
				events = append(events, event(user, platform,
					base.Add(time.Duration(ui+pi)*time.Hour).Add(offset),
					fmt.Sprintf("%d.%02d", i, ui), fmt.Sprintf("0.%02d", i)))
			}
		}
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Empty(t, run.Failed)

	type totals struct{ volume, fee decimal.Decimal }
	want := make(map[model.PartitionKey]totals)
	for _, e := range events {
		key := model.PartitionKeyFor(e)
		w := want[key]
		if w.volume.IsZero() && w.fee.IsZero() {
			w = totals{decimal.Zero, decimal.Zero}
		}
		w.volume = w.volume.Add(e.Volume)
		w.fee = w.fee.Add(e.Fee)
		want[key] = w
	}

	got := make(map[model.PartitionKey]totals)
	for _, r := range run.Records {
		key := model.PartitionKey{UserID: r.UserID, Platform: r.Platform, Date: r.Date}
		g, ok := got[key]
		if !ok {
			g = totals{decimal.Zero, decimal.Zero}
		}
		g.volume = g.volume.Add(r.Volume)
		g.fee = g.fee.Add(r.Fee)
		got[key] = g
	}

	require.Equal(t, len(want), len(got))
	for key, w := range want {
		g := got[key]
		assert.True(t, g.volume.Equal(w.volume), "volume drift in %v: %s != %s", key, g.volume, w.volume)
		assert.True(t, g.fee.Equal(w.fee), "fee drift in %v: %s != %s", key, g.fee, w.fee)
	}
}

func TestRun_IdempotentAcrossRuns(t *testing.T) {
	events := []model.RawEvent{
		event("u2", model.PlatformIOS, ts(t, "2023-02-02T01:00:00Z"), "5", "2.5"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0.5"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T14:01:00Z"), "3", "1.5"),
		event("u1", model.PlatformAndroid, ts(t, "2023-02-01T08:00:00Z"), "7", "0.1"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "2", "1.0"),
	}

	c := New(Options{Workers: 4})
	first, err := c.Run(context.Background(), events)
	require.NoError(t, err)
	second, err := c.Run(context.Background(), events)
	require.NoError(t, err)

	require.Equal(t, len(first.Records), len(second.Records))
	for i := range first.Records {
		a, b := first.Records[i], second.Records[i]
		assert.Equal(t, a.ID, b.ID)
		assert.Equal(t, a.UserID, b.UserID)
		assert.Equal(t, a.Date, b.Date)
		assert.Equal(t, a.Platform, b.Platform)
		assert.Equal(t, a.Bucket, b.Bucket)
		assert.Equal(t, a.RepresentativeTimestamp, b.RepresentativeTimestamp)
		assert.True(t, a.Volume.Equal(b.Volume))
		assert.True(t, a.Fee.Equal(b.Fee))
	}
}

func TestRun_GlobalIDOrdering(t *testing.T) {
	events := []model.RawEvent{
		event("zed", model.PlatformWeb, ts(t, "2023-02-01T00:00:00Z"), "1", "1"),
		event("amy", model.PlatformWeb, ts(t, "2023-02-02T00:00:00Z"), "1", "1"),
		event("amy", model.PlatformWeb, ts(t, "2023-02-01T00:00:00Z"), "1", "1"),
		event("amy", model.PlatformWeb, ts(t, "2023-02-01T07:00:00Z"), "1", "1"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, run.Records, 4)

	for i, rec := range run.Records {
		assert.Equal(t, int64(i+1), rec.ID, "ids must be dense and ascending")
	}

	assert.Equal(t, "amy", run.Records[0].UserID)
	assert.Equal(t, 1, run.Records[0].Bucket)
	assert.Equal(t, "amy", run.Records[1].UserID)
	assert.Equal(t, 2, run.Records[1].Bucket) // 07:00 is past the 06:00 boundary
	assert.Equal(t, "2023-02-02", run.Records[2].Date)
	assert.Equal(t, "zed", run.Records[3].UserID)
}

func TestRun_PartitionFailureIsIsolated(t *testing.T) {
	bad := event("broken", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "1")
	bad.Volume = decimal.RequireFromString("-4")

	events := []model.RawEvent{
		bad,
		event("ok", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "1"),
	}

	run, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)

	require.Len(t, run.Failed, 1)
	var pce *PartitionConsolidationError
	require.True(t, errors.As(run.Failed[0], &pce))
	assert.Equal(t, "broken", pce.Key.UserID)

	require.Len(t, run.Records, 1)
	assert.Equal(t, "ok", run.Records[0].UserID)
}

func TestRun_CancelledContextAbortsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "1"),
	}

	run, err := New(Options{}).Run(ctx, events)
	require.Error(t, err)
	assert.Nil(t, run, "an aborted batch must emit no partial output")

	var aborted *BatchAbortedError
	assert.True(t, errors.As(err, &aborted))
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	events := []model.RawEvent{
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T09:00:00Z"), "3", "1.5"),
		event("u1", model.PlatformWeb, ts(t, "2023-02-01T08:00:00Z"), "1", "0.5"),
	}
	snapshot := make([]model.RawEvent, len(events))
	copy(snapshot, events)

	_, err := New(Options{}).Run(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, snapshot, events)
}
