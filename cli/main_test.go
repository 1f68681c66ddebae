package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfold/sessionfold/internal/model"
)

func TestFilterEvents_UntilCoversTheWholeFinalDay(t *testing.T) {
	lastInstant, err := time.Parse(time.RFC3339Nano, "2023-02-01T23:59:59.5Z")
	require.NoError(t, err)
	nextDay, err := time.Parse(time.RFC3339, "2023-02-02T00:00:00Z")
	require.NoError(t, err)

	events := []model.RawEvent{
		{UserID: "u1", Platform: model.PlatformWeb, Timestamp: lastInstant, Volume: decimal.Zero, Fee: decimal.Zero},
		{UserID: "u1", Platform: model.PlatformWeb, Timestamp: nextDay, Volume: decimal.Zero, Fee: decimal.Zero},
	}

	// A sub-second timestamp in the final second of the until day stays
	// in; the next day's midnight is out.
	kept := filterEvents(events, time.Time{}, parseDateFilter("20230201", true))
	require.Len(t, kept, 1)
	assert.Equal(t, lastInstant, kept[0].Timestamp)
}

func TestFilterEvents_SinceIsInclusive(t *testing.T) {
	midnight, err := time.Parse(time.RFC3339, "2023-02-01T00:00:00Z")
	require.NoError(t, err)

	events := []model.RawEvent{
		{UserID: "u1", Platform: model.PlatformWeb, Timestamp: midnight.Add(-time.Second), Volume: decimal.Zero, Fee: decimal.Zero},
		{UserID: "u1", Platform: model.PlatformWeb, Timestamp: midnight, Volume: decimal.Zero, Fee: decimal.Zero},
	}

	kept := filterEvents(events, parseDateFilter("20230201", false), time.Time{})
	require.Len(t, kept, 1)
	assert.Equal(t, midnight, kept[0].Timestamp)
}
