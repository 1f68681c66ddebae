package consolidate

import (
	"sort"
	"time"

	"github.com/sessionfold/sessionfold/internal/model"
)

// Impact compares one partition before and after consolidation. It is a
// read-only view over a completed run and carries no invariants of its
// own.
type Impact struct {
	Key         model.PartitionKey
	RawCount    int
	RecordCount int
	Reduction   float64 // fraction of events removed, 0..1
	Span        time.Duration // wall-clock span of the raw events
	Flagged     bool
}

// DefaultReductionThreshold is the flagging cutoff used when the caller
// leaves ReductionThreshold unset.
const DefaultReductionThreshold = 0.5

// ImpactOptions controls which partitions get flagged for anomaly
// review.
type ImpactOptions struct {
	// ReductionThreshold flags partitions whose reduction meets or
	// exceeds this fraction. Zero means DefaultReductionThreshold; a
	// negative value flags every partition regardless of reduction.
	ReductionThreshold float64

	// MinRawCount ignores small partitions that trivially hit the
	// threshold. Zero means no minimum.
	MinRawCount int

	// MaxSpan, when set, additionally requires the partition's raw
	// events to fit inside this wall-clock window (a dense burst).
	MaxSpan time.Duration
}

// BuildImpact derives the per-partition reduction view from a completed
// run, sorted by (user, date, platform). Failed partitions appear with a
// zero record count and are never flagged; their failure is already
// reported on the run itself.
func BuildImpact(run *Run, opts ImpactOptions) []Impact {
	threshold := opts.ReductionThreshold
	switch {
	case threshold == 0:
		threshold = DefaultReductionThreshold
	case threshold < 0:
		threshold = 0
	}

	counts := make(map[model.PartitionKey]int)
	for _, r := range run.Records {
		key := model.PartitionKey{UserID: r.UserID, Platform: r.Platform, Date: r.Date}
		counts[key]++
	}

	failed := make(map[model.PartitionKey]bool, len(run.Failed))
	for _, f := range run.Failed {
		failed[f.Key] = true
	}

	impacts := make([]Impact, 0, len(run.Sources))
	for key, src := range run.Sources {
		imp := Impact{
			Key:         key,
			RawCount:    src.RawCount,
			RecordCount: counts[key],
			Span:        src.Last.Sub(src.First),
		}
		if src.RawCount > 0 {
			imp.Reduction = 1 - float64(imp.RecordCount)/float64(src.RawCount)
		}
		if !failed[key] &&
			imp.Reduction >= threshold &&
			imp.RawCount >= opts.MinRawCount &&
			(opts.MaxSpan == 0 || imp.Span <= opts.MaxSpan) {
			imp.Flagged = true
		}
		impacts = append(impacts, imp)
	}

	sort.Slice(impacts, func(i, j int) bool {
		a, b := impacts[i].Key, impacts[j].Key
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Platform < b.Platform
	})

	return impacts
}
