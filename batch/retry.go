package batch

import "sync"

// failedItem is one entry in the retry queue: the item, the error from its
// most recent attempt, and how many retry attempts it has consumed.
type failedItem struct {
	item     Item
	err      error
	attempts int
}

// retryQueue collects failed items during the batch-dispatch phase. Appends
// happen concurrently from batch tasks, so they are synchronized; the retry
// phase drains the queue serially and never mutates it concurrently.
type retryQueue struct {
	mu    sync.Mutex
	items []failedItem
}

// add appends a first-time failure.
func (q *retryQueue) add(item Item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, failedItem{item: item, err: err})
}

// requeue appends an item that failed again during a retry round.
func (q *retryQueue) requeue(f failedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, f)
}

// drain snapshots and clears the queue.
func (q *retryQueue) drain() []failedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
