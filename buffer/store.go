package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/cppla/pageviews/models"
)

// ErrStorageUnavailable wraps transient store failures.
var ErrStorageUnavailable = errors.New("page view buffer unavailable")

// Stats describes the pending queue.
type Stats struct {
	Pending int64
	// Oldest is the enqueue time of the oldest pending view, zero when empty.
	// An oldest entry that cannot be decoded reports the Unix epoch so it is
	// cut and reported on the next cycle.
	Oldest time.Time
}

// Batch is a set of views cut from the pending queue and awaiting a durable
// write. It stays in the store until Complete, so a failed or interrupted
// write is retried.
type Batch struct {
	ID        string
	CreatedAt time.Time
	Items     []models.BufferedView
	// Corrupt counts entries that could not be decoded. They are discarded
	// and reported as lost when the batch completes.
	Corrupt int
}

// Events returns the batch's page views.
func (b Batch) Events() []models.ViewEvent {
	out := make([]models.ViewEvent, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Event
	}
	return out
}

// Store is the transient buffer shared by every process of a deployment.
type Store interface {
	// Push appends a view to the pending queue and returns the queue length.
	Push(ctx context.Context, item models.BufferedView) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	// Cut atomically moves up to max of the oldest pending views into a new
	// batch. The returned batch has no items when the queue was empty.
	Cut(ctx context.Context, id string, max int, at time.Time) (Batch, error)
	// Batches lists unfinished batches, oldest first.
	Batches(ctx context.Context) ([]Batch, error)
	// Replace swaps the contents of an unfinished batch, keeping its id and
	// creation time. Undecodable entries are discarded. An empty items
	// completes the batch.
	Replace(ctx context.Context, id string, items []models.BufferedView) error
	// Complete purges a batch after its durable write.
	Complete(ctx context.Context, id string) error
	// ReapPending drops pending views enqueued before cutoff.
	ReapPending(ctx context.Context, cutoff time.Time) (int, error)
	// ReapBatches drops batches created before cutoff and returns how many
	// views they held.
	ReapBatches(ctx context.Context, cutoff time.Time) (int, error)
	// Acquire takes the flush lease. ok is false while another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}
