package chainwatch

import (
	"context"
	"time"
)

const (
	backfillBatchSize    = 5
	backfillBlockDelay   = 500 * time.Millisecond
	backfillBatchDelay   = 5 * time.Second
	backfillGapThreshold = 100
)

// planBackfill computes the height list a fresh reconciler run needs to
// fetch: forward-fill anything newer than the highest persisted block,
// and separately reconcile any gap below the lowest persisted block when
// nothing has ever been persisted or a hole is suspected.
//
// persisted maps already-stored heights in [MinBlockHeight, minHeight) so
// the gap scan can skip what's already there; it is nil when there is no
// persisted history at all.
func planBackfill(bestHeight int64, maxHeight, minHeight int64, havePersisted bool, persisted map[int64]bool) []int64 {
	if !havePersisted {
		heights := make([]int64, 0, bestHeight-MinBlockHeight+1)
		for h := bestHeight; h >= MinBlockHeight; h-- {
			heights = append(heights, h)
		}
		return heights
	}

	var heights []int64
	for h := bestHeight; h > maxHeight; h-- {
		heights = append(heights, h)
	}

	var missing []int64
	for h := minHeight - 1; h >= MinBlockHeight; h-- {
		if !persisted[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > backfillGapThreshold {
		heights = append(heights, coalesceDescending(missing)...)
	} else {
		heights = append(heights, missing...)
	}
	return heights
}

// coalesceDescending keeps the set of missing heights as-is; it exists
// as the seam where a dense descending-range representation would
// replace a flat slice if a future store exposed range-fetch RPCs. For
// now the node only offers per-height lookups, so there is nothing to
// coalesce into beyond the sorted descending order it already has.
func coalesceDescending(missing []int64) []int64 {
	return missing
}

// runBackfill walks heights in batches of backfillBatchSize, sleeping
// backfillBlockDelay between blocks and backfillBatchDelay between
// batches, resetting the RPC pool between batches. process is
// called once per height; a returned error aborts the whole backfill.
func runBackfill(ctx context.Context, rpc *nodeRPC, heights []int64, process func(ctx context.Context, height int64) error) error {
	for i := 0; i < len(heights); i += backfillBatchSize {
		end := i + backfillBatchSize
		if end > len(heights) {
			end = len(heights)
		}
		batch := heights[i:end]

		for j, h := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := process(ctx, h); err != nil {
				return err
			}
			if j != len(batch)-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backfillBlockDelay):
				}
			}
		}

		if end < len(heights) {
			rpc.recreatePool()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backfillBatchDelay):
			}
		}
	}
	return nil
}
