package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/server/internal/database"
)

// RunDebouncer delays consolidation so a burst of ingest requests
// triggers one full recomputation instead of one per request. A run is
// always computed from the complete raw event set at flush time, never
// incrementally.
type RunDebouncer struct {
	db           *database.DB
	consolidator *consolidate.Consolidator
	delay        time.Duration
	mu           sync.Mutex
	pending      map[string]int // accountID -> generation
}

// NewRunDebouncer creates a debouncer with the specified delay
func NewRunDebouncer(db *database.DB, c *consolidate.Consolidator, delay time.Duration) *RunDebouncer {
	return &RunDebouncer{
		db:           db,
		consolidator: c,
		delay:        delay,
		pending:      make(map[string]int),
	}
}

// Schedule queues a consolidation run for an account, resetting the
// timer if one is already pending.
func (d *RunDebouncer) Schedule(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gen := d.pending[accountID] + 1
	d.pending[accountID] = gen
	time.AfterFunc(d.delay, func() {
		d.flush(accountID, gen)
	})
}

func (d *RunDebouncer) flush(accountID string, generation int) {
	d.mu.Lock()
	if d.pending[accountID] != generation {
		// Stale timer; a newer ingest rescheduled the run.
		d.mu.Unlock()
		return
	}
	delete(d.pending, accountID)
	d.mu.Unlock()

	if err := d.run(accountID); err != nil {
		log.Printf("consolidation for account %s failed: %v", accountID, err)
	}
}

// run recomputes and stores the account's consolidated stream.
func (d *RunDebouncer) run(accountID string) error {
	startedAt := time.Now()

	events, err := d.db.LoadRawEvents(accountID)
	if err != nil {
		return err
	}

	run, err := d.consolidator.Run(context.Background(), events)
	if err != nil {
		// BatchAbortedError: store nothing rather than a partial run.
		return err
	}

	runID, err := d.db.SaveRun(accountID, startedAt, len(events), run)
	if err != nil {
		return err
	}

	log.Printf("consolidated account %s: run %d, %d raw -> %d records (%d skipped, %d failed partitions)",
		accountID, runID, len(events), len(run.Records),
		run.NullIdentity+len(run.Malformed), len(run.Failed))
	return nil
}
