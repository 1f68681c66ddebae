// Package consolidate collapses partitioned interaction events into a
// bounded number of session records per user, platform and day.
//
// Consolidation is a two-phase batch transformation: partitions are
// aggregated independently (and concurrently), then the complete output
// set is sorted and numbered in a single deterministic pass. Ids are a
// global ranking over the whole batch, so numbering can only happen
// after every partition has finished.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/internal/model"
	"github.com/sessionfold/sessionfold/internal/partition"
)

const (
	// DefaultBucketWidth is the span of one session bucket. Downstream
	// reports depend on this exact value; change it only together with
	// them.
	DefaultBucketWidth = 360 * time.Minute

	// DefaultBucketCount bounds output cardinality per partition. The
	// last bucket is a catch-all with no upper edge.
	DefaultBucketCount = 4

	defaultWorkers = 8
)

// Options configures a Consolidator. Zero values mean the defaults,
// which are the contract values downstream reports are built on.
type Options struct {
	BucketWidth time.Duration
	BucketCount int
	Workers     int
}

// Consolidator turns a raw event batch into consolidated session
// records. It is safe for concurrent use; it holds no per-run state.
type Consolidator struct {
	width   time.Duration
	count   int
	workers int
}

// New creates a Consolidator, filling unset options with the defaults.
func New(opts Options) *Consolidator {
	c := &Consolidator{
		width:   opts.BucketWidth,
		count:   opts.BucketCount,
		workers: opts.Workers,
	}
	if c.width <= 0 {
		c.width = DefaultBucketWidth
	}
	if c.count <= 0 {
		c.count = DefaultBucketCount
	}
	if c.workers <= 0 {
		c.workers = defaultWorkers
	}
	return c
}

// SourceStats describes one partition's raw side, kept for the impact
// view and the skip summary.
type SourceStats struct {
	RawCount int
	First    time.Time
	Last     time.Time
}

// Run is the result of one full consolidation pass: the numbered output
// plus a structured summary of everything that was skipped or failed.
// Nothing is dropped silently.
type Run struct {
	// Records in ascending id order.
	Records []model.ConsolidatedRecord

	// Sources holds per-partition raw statistics for every partition
	// that entered the map phase, including ones that later failed.
	Sources map[model.PartitionKey]SourceStats

	// NullIdentity counts events excluded for having no user_id.
	NullIdentity int

	// Malformed lists events excluded for unusable timestamps.
	Malformed []*model.MalformedEventError

	// Failed lists partitions whose aggregation failed. Their records
	// are absent from the output; everything else still completed.
	Failed []*PartitionConsolidationError
}

// Run consolidates a full raw batch. Per-event and per-partition
// failures are isolated into the returned Run; the only error return is
// a *BatchAbortedError, in which case no output is produced.
func (c *Consolidator) Run(ctx context.Context, events []model.RawEvent) (*Run, error) {
	split := partition.Split(events)

	run := &Run{
		Sources:      make(map[model.PartitionKey]SourceStats, len(split.Partitions)),
		NullIdentity: split.NullIdentity,
		Malformed:    split.Malformed,
	}
	for key, members := range split.Partitions {
		run.Sources[key] = SourceStats{
			RawCount: len(members),
			First:    members[0].Timestamp,
			Last:     members[len(members)-1].Timestamp,
		}
	}

	// Phase one: independent per-partition aggregation. No partition
	// reads another's data, so the only shared state is the collectors
	// below.
	var (
		mu      sync.Mutex
		records []model.ConsolidatedRecord
	)
	pool := pond.NewPool(c.workers, pond.WithContext(ctx))
	for key, members := range split.Partitions {
		pool.Submit(func() {
			recs, err := c.Partition(key, members)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.Failed = append(run.Failed, &PartitionConsolidationError{Key: key, Err: err})
				return
			}
			records = append(records, recs...)
		})
	}
	pool.StopAndWait()

	// Phase two: global ordering barrier. Ids rank the complete output
	// set, so a cancelled or short-circuited map phase must abort the
	// whole run instead of numbering a truncated one.
	if err := ctx.Err(); err != nil {
		return nil, &BatchAbortedError{Err: err}
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		// Platform breaks the remaining tie so the ranking is total.
		return a.Platform < b.Platform
	})
	for i := range records {
		records[i].ID = int64(i + 1)
	}

	run.Records = records
	return run, nil
}

// Partition consolidates one partition's ordered events into at most
// BucketCount unnumbered records, ascending by bucket. The input slice
// is only read, never modified.
func (c *Consolidator) Partition(key model.PartitionKey, members []model.RawEvent) ([]model.ConsolidatedRecord, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("empty partition")
	}

	origin := partition.Origin(members)

	// One slot per bucket; members are ordered, so the first event seen
	// in a slot carries the bucket's representative timestamp.
	slots := make([]*model.ConsolidatedRecord, c.count)
	for _, e := range members {
		if e.Volume.IsNegative() || e.Fee.IsNegative() {
			return nil, fmt.Errorf("negative measure on event at %s", e.Timestamp.Format(time.RFC3339))
		}
		idx, err := c.bucketFor(origin, e.Timestamp)
		if err != nil {
			return nil, err
		}

		slot := slots[idx-1]
		if slot == nil {
			slot = &model.ConsolidatedRecord{
				UserID:                  key.UserID,
				Date:                    key.Date,
				Platform:                key.Platform,
				Bucket:                  idx,
				RepresentativeTimestamp: e.Timestamp,
				Volume:                  decimal.Zero,
				Fee:                     decimal.Zero,
			}
			slots[idx-1] = slot
		}
		if e.Timestamp.Before(slot.RepresentativeTimestamp) {
			slot.RepresentativeTimestamp = e.Timestamp
		}
		slot.Volume = slot.Volume.Add(e.Volume)
		slot.Fee = slot.Fee.Add(e.Fee)
	}

	records := make([]model.ConsolidatedRecord, 0, c.count)
	for _, slot := range slots {
		if slot != nil {
			records = append(records, *slot)
		}
	}
	return records, nil
}

// bucketFor maps a timestamp onto its bucket ordinal. Buckets are
// half-open intervals from the floating origin, so an event landing
// exactly on a width boundary belongs to the later bucket; everything at
// or past the final boundary lands in the last bucket.
func (c *Consolidator) bucketFor(origin, ts time.Time) (int, error) {
	elapsed := ts.Sub(origin)
	if elapsed < 0 {
		return 0, fmt.Errorf("event at %s precedes window origin %s",
			ts.Format(time.RFC3339), origin.Format(time.RFC3339))
	}
	idx := int(elapsed/c.width) + 1
	if idx > c.count {
		idx = c.count
	}
	return idx, nil
}
