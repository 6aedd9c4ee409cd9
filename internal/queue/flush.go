package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradeflow/tflow/internal/api"
)

// ReplayFunc applies one queued mutation.
type ReplayFunc func(ctx context.Context, item Item) error

// Result summarises a flush.
type Result struct {
	Flushed   int
	Dropped   int
	Remaining int
}

// Flush replays queued mutations in order. Replayed and permanently failing
// items are removed. Flushing stops at the first network or auth failure so
// the rest stay queued for the next attempt.
func Flush(ctx context.Context, q *Queue, replay ReplayFunc, logger zerolog.Logger) (Result, error) {
	var res Result

	items, err := q.List()
	if err != nil {
		return res, fmt.Errorf("failed to load queue: %w", err)
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(items) - i
			return res, err
		}

		replayErr := replay(ctx, item)
		switch {
		case replayErr == nil:
			res.Flushed++
		case api.IsNetworkError(replayErr) || api.IsAuthError(replayErr):
			// Still offline or logged out: keep this and everything after it.
			res.Remaining = len(items) - i
			logger.Debug().Err(replayErr).Int("remaining", res.Remaining).Msg("stopping queue flush")
			return res, replayErr
		default:
			logger.Warn().Err(replayErr).Str("id", item.ID).Str("resource", item.Resource).
				Str("op", item.Op).Msg("queued mutation rejected, removing")
			res.Dropped++
		}

		if err := q.Remove(item.ID); err != nil {
			logger.Warn().Err(err).Str("id", item.ID).Msg("failed to remove flushed item")
		}
	}

	return res, nil
}
