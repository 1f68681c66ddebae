package consolidate

import (
	"fmt"

	"github.com/sessionfold/sessionfold/internal/model"
)

// PartitionConsolidationError reports an unexpected failure while
// aggregating one partition. The partition's output is omitted; the rest
// of the run still completes.
type PartitionConsolidationError struct {
	Key model.PartitionKey
	Err error
}

func (e *PartitionConsolidationError) Error() string {
	return fmt.Sprintf("consolidating partition %s/%s/%s: %v",
		e.Key.UserID, e.Key.Platform, e.Key.Date, e.Err)
}

func (e *PartitionConsolidationError) Unwrap() error { return e.Err }

// BatchAbortedError is the single fatal condition: global id assignment
// could not complete. A run that fails this way emits no consolidated
// output at all rather than an inconsistently numbered one.
type BatchAbortedError struct {
	Err error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch aborted before id assignment: %v", e.Err)
}

func (e *BatchAbortedError) Unwrap() error { return e.Err }
