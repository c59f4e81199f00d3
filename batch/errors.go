package batch

import (
	"errors"
	"fmt"
	"time"
)

// SetupError is returned by ProcessBatch for unrecoverable initialization
// failures, such as a worker pool that cannot be created. It is the only
// error a run propagates to the caller.
type SetupError struct {
	Err error
}

func (e SetupError) Error() string {
	return fmt.Sprintf("setup error: %v", e.Err)
}

func (e SetupError) Unwrap() error {
	return e.Err
}

// ItemError records the failure of a single item. It is absorbed into the
// run's Metrics and retry queue, never propagated.
type ItemError struct {
	ItemID string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// ChunkTimeoutError records that an item was still unresolved when its
// chunk's deadline passed. Only the unresolved items of that chunk are
// affected; other chunks and batches continue.
type ChunkTimeoutError struct {
	Timeout time.Duration
}

func (e ChunkTimeoutError) Error() string {
	return fmt.Sprintf("chunk timed out after %s", e.Timeout)
}

// ErrPoolClosed is returned by WorkerPool.Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is closed")
