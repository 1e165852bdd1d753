package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/logging"
	"github.com/alexjbarnes/htsp-sync/internal/store"
)

// Batcher groups operations into store batches of at most size entries.
// After a failed batch it refuses further work.
type Batcher struct {
	st     store.Store
	logger *slog.Logger
	size   int

	pending []store.Operation
	batches int
	applied int
	err     error
}

// NewBatcher returns a Batcher writing to st. size is capped at
// store.MaxBatchSize; zero or less means the cap.
func NewBatcher(st store.Store, logger *slog.Logger, size int) *Batcher {
	if size <= 0 || size > store.MaxBatchSize {
		size = store.MaxBatchSize
	}

	if logger == nil {
		logger = logging.Discard()
	}

	return &Batcher{st: st, logger: logger, size: size}
}

// Add queues op and flushes when the batch is full.
func (b *Batcher) Add(ctx context.Context, op store.Operation) error {
	if b.err != nil {
		return b.err
	}

	b.pending = append(b.pending, op)
	if len(b.pending) >= b.size {
		return b.Flush(ctx)
	}

	return nil
}

// Flush writes whatever is queued.
func (b *Batcher) Flush(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}

	if len(b.pending) == 0 {
		return nil
	}

	n := len(b.pending)
	if err := b.st.ApplyBatch(ctx, b.pending); err != nil {
		b.logger.Error("batch write failed, halting",
			slog.Int("batch", b.batches+1),
			slog.Int("operations", n),
			slog.String("error", err.Error()),
		)
		b.err = fmt.Errorf("%w: batch %d (%d operations): %w", apperrors.ErrBatchFailed, b.batches+1, n, err)
		b.pending = nil

		return b.err
	}

	b.batches++
	b.applied += n
	b.pending = nil

	return nil
}

// Batches returns how many batches were written.
func (b *Batcher) Batches() int { return b.batches }

// Applied returns how many operations were written.
func (b *Batcher) Applied() int { return b.applied }

// Apply writes ops through a fresh Batcher, flushing at the end.
func Apply(ctx context.Context, st store.Store, logger *slog.Logger, ops []store.Operation) (batches int, err error) {
	b := NewBatcher(st, logger, store.MaxBatchSize)

	for _, op := range ops {
		if err := b.Add(ctx, op); err != nil {
			return b.Batches(), err
		}
	}

	if err := b.Flush(ctx); err != nil {
		return b.Batches(), err
	}

	if b.Applied() > 0 {
		b.logger.Debug("batches written",
			slog.Int("batches", b.Batches()),
			slog.Int("operations", b.Applied()),
		)
	}

	return b.Batches(), nil
}
