package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire/storage format for partition dates.
const DateLayout = "2006-01-02"

// Platform identifies the client surface an event came from.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformAndroid, PlatformIOS:
		return true
	}
	return false
}

// RawEvent represents a single observed interaction from the raw log.
// An empty UserID means the event carries no identity and can never
// contribute to a consolidated session.
type RawEvent struct {
	UserID    string
	Platform  Platform
	Timestamp time.Time
	Volume    decimal.Decimal // non-negative usage quantity
	Fee       decimal.Decimal // non-negative monetary amount
}

// PartitionKey groups events that belong to the same consolidation unit:
// one user, one platform, one calendar day (UTC).
type PartitionKey struct {
	UserID   string
	Platform Platform
	Date     string // YYYY-MM-DD
}

// PartitionKeyFor derives the partition key for an event. The calendar
// day is taken in UTC so a batch produces the same partitions on every
// host.
func PartitionKeyFor(e RawEvent) PartitionKey {
	return PartitionKey{
		UserID:   e.UserID,
		Platform: e.Platform,
		Date:     e.Timestamp.UTC().Format(DateLayout),
	}
}

// ConsolidatedRecord is one aggregated output row: all of a partition's
// events that fell into the same bucket, collapsed into a single record.
type ConsolidatedRecord struct {
	ID       int64 // globally unique, assigned after all partitions complete
	UserID   string
	Date     string // YYYY-MM-DD
	Platform Platform
	Bucket   int // 1..4, six-hour spans from the partition origin

	// RepresentativeTimestamp is the earliest timestamp among the
	// bucket's events, the bucket's own first-contact time.
	RepresentativeTimestamp time.Time

	Volume decimal.Decimal // sum over the bucket
	Fee    decimal.Decimal // sum over the bucket
}
