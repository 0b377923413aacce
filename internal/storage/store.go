package storage

import (
	"context"
	"errors"
	"time"
)

var ErrItemNotFound = errors.New("queue item not found")

// Store is the persistence API the dispatch core consumes.
type Store interface {
	// Enqueue inserts a new pending item. A missing ID is generated.
	Enqueue(ctx context.Context, item QueueItem) (QueueItem, error)

	// ClaimPending atomically moves up to limit pending items to
	// sending and returns them. Claimed items are invisible to
	// concurrent claimers.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]QueueItem, error)

	// ClaimRetryable does the same for reintentando items whose
	// next_retry_at has passed.
	ClaimRetryable(ctx context.Context, limit int, now time.Time) ([]QueueItem, error)

	// RecordAttempt appends one attempt record.
	RecordAttempt(ctx context.Context, a Attempt) error

	// SetOutcome advances the item's state machine after an attempt:
	// state, assigned carrier, attempt count, timestamps.
	SetOutcome(ctx context.Context, itemID string, state State, carrier string, attempts int, lastAttempt, nextRetry time.Time) error

	// GetItem fetches one item by id.
	GetItem(ctx context.Context, id string) (QueueItem, error)

	// GetCarrierStats aggregates attempt history for one carrier.
	GetCarrierStats(ctx context.Context, carrier string) (CarrierStats, error)

	// CountByState reports queue depth per state, for gauges.
	CountByState(ctx context.Context) (map[State]int64, error)

	Close() error
}
