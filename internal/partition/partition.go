// Package partition groups raw interaction events into consolidation
// units: one partition per (user, platform, calendar day).
package partition

import (
	"fmt"
	"sort"
	"time"

	"github.com/sessionfold/sessionfold/internal/model"
)

// Result holds the partitioned batch plus the skip summary for events
// that could not enter any partition.
type Result struct {
	// Partitions maps each key to its member events, ascending by
	// timestamp. Equal timestamps keep their input order so repeated
	// runs over the same batch partition identically.
	Partitions map[model.PartitionKey][]model.RawEvent

	// NullIdentity counts events dropped for having no user_id. This is
	// a defined filter, not an error condition.
	NullIdentity int

	// Malformed lists events rejected for an unusable timestamp.
	Malformed []*model.MalformedEventError
}

// Split partitions a raw batch by (user_id, platform, calendar day).
// Events with no identity are counted and dropped; events with a zero
// timestamp are rejected individually. The input slice is not modified.
func Split(events []model.RawEvent) *Result {
	res := &Result{
		Partitions: make(map[model.PartitionKey][]model.RawEvent),
	}

	for i, e := range events {
		if e.UserID == "" {
			res.NullIdentity++
			continue
		}
		if e.Timestamp.IsZero() {
			res.Malformed = append(res.Malformed, &model.MalformedEventError{
				Source: fmt.Sprintf("batch[%d]", i),
				UserID: e.UserID,
				Reason: "missing timestamp",
			})
			continue
		}

		key := model.PartitionKeyFor(e)
		res.Partitions[key] = append(res.Partitions[key], e)
	}

	// Stable sort preserves input order on timestamp ties, which keeps
	// consolidated output reproducible across runs.
	for _, members := range res.Partitions {
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Timestamp.Before(members[j].Timestamp)
		})
	}

	return res
}

// Origin returns the window origin for a partition: the earliest
// timestamp among its members. It is recomputed from the current event
// set on every call rather than cached, so reprocessing a partition with
// more events always yields the correct zero point.
func Origin(members []model.RawEvent) time.Time {
	if len(members) == 0 {
		return time.Time{}
	}
	origin := members[0].Timestamp
	for _, e := range members[1:] {
		if e.Timestamp.Before(origin) {
			origin = e.Timestamp
		}
	}
	return origin
}
