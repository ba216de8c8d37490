package chainwatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanBackfillNoPersistedHistoryScansTopDown(t *testing.T) {
	MinBlockHeight = 90
	defer func() { MinBlockHeight = 0 }()

	heights := planBackfill(100, 0, 0, false, nil)
	require.Len(t, heights, 11)
	require.Equal(t, int64(100), heights[0])
	require.Equal(t, int64(90), heights[len(heights)-1])
}

func TestPlanBackfillForwardFillOnly(t *testing.T) {
	// The lowest persisted block sits at the floor, so there is no gap
	// below it to scan.
	MinBlockHeight = 50
	defer func() { MinBlockHeight = 0 }()

	heights := planBackfill(105, 100, 50, true, map[int64]bool{})
	require.Equal(t, []int64{105, 104, 103, 102, 101}, heights)
}

func TestPlanBackfillGapBelowMin(t *testing.T) {
	MinBlockHeight = 0
	persisted := map[int64]bool{3: true, 4: true}
	heights := planBackfill(10, 10, 5, true, persisted)
	// forward fill: none (max==best). gap scan descending from 4 to 0,
	// skipping persisted heights 3 and 4.
	require.Equal(t, []int64{2, 1, 0}, heights)
}

func TestRunBackfillVisitsEveryHeightInOrder(t *testing.T) {
	var visited []int64
	rpc := newNodeRPC(RPCConfig{})
	err := runBackfill(context.Background(), rpc, []int64{5, 4, 3, 2, 1}, func(ctx context.Context, h int64) error {
		visited = append(visited, h)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{5, 4, 3, 2, 1}, visited)
}
