package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/toole-brendan/poolwatch/model"
)

func TestSubsidyBoundaries(t *testing.T) {
	require.Equal(t, int64(5_000_000_000), Subsidy(0))
	require.Equal(t, int64(2_500_000_000), Subsidy(210_000))
	require.Equal(t, int64(0), Subsidy(13_440_000))
}

// TestSubsidyMonotonicity checks the subsidy schedule's required shape
// for any two heights: it never increases as height increases, and it
// only ever changes at a halving-interval boundary.
func TestSubsidyMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.Int64Range(0, 20_000_000).Draw(rt, "a")
		b := rapid.Int64Range(0, 20_000_000).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}
		require.GreaterOrEqual(rt, Subsidy(a), Subsidy(b))
		if a/subsidyHalvingInterval == b/subsidyHalvingInterval {
			require.Equal(rt, Subsidy(a), Subsidy(b))
		}
	})
}

func TestPrevHashForkDetectsTwoGroups(t *testing.T) {
	templates := []model.NotifyTemplate{
		{PoolName: "p1", PrevHash: "AAAA"},
		{PoolName: "p2", PrevHash: "aaaa"},
		{PoolName: "p3", PrevHash: "BBBB"},
	}
	flag, ok := PrevHashFork(templates)
	require.True(t, ok)
	require.Equal(t, model.FlagPrevHashFork, flag.Key)

	details, ok := flag.Details.([]model.PrevHashForkDetail)
	require.True(t, ok)
	require.Len(t, details, 2)
	require.Equal(t, "aaaa", details[0].PrevHash)
	require.Equal(t, []string{"p1", "p2"}, details[0].Pools)
	require.Equal(t, "bbbb", details[1].PrevHash)
	require.Equal(t, []string{"p3"}, details[1].Pools)
}

func TestPrevHashForkNoForkWhenSingleGroup(t *testing.T) {
	templates := []model.NotifyTemplate{
		{PoolName: "p1", PrevHash: "aaaa"},
		{PoolName: "p2", PrevHash: "aaaa"},
	}
	_, ok := PrevHashFork(templates)
	require.False(t, ok)
}

func TestInvalidCoinbaseNoMerkleBoundary(t *testing.T) {
	height := int64(5)
	subsidy := Subsidy(height)

	atLimit := []model.NotifyTemplate{
		mustTemplate(t, "p1", subsidy),
	}
	_, ok := InvalidCoinbaseNoMerkle(height, atLimit)
	require.False(t, ok, "sum equal to subsidy must not flag")

	overLimit := []model.NotifyTemplate{
		mustTemplate(t, "p1", subsidy+1),
	}
	flag, ok := InvalidCoinbaseNoMerkle(height, overLimit)
	require.True(t, ok, "sum exceeding subsidy must flag")
	details := flag.Details.([]model.InvalidCoinbaseDetail)
	require.Len(t, details, 1)
	require.Equal(t, subsidy+1, details[0].TotalSats)
	require.Equal(t, subsidy, details[0].SubsidySats)
}

func TestInvalidCoinbaseNoMerkleSkipsWithMerkleBranches(t *testing.T) {
	height := int64(5)
	t1 := mustTemplate(t, "p1", Subsidy(height)+1)
	t1.MerkleBranches = []string{"deadbeef"}
	_, ok := InvalidCoinbaseNoMerkle(height, []model.NotifyTemplate{t1})
	require.False(t, ok)
}

func TestRecentPoolShare(t *testing.T) {
	records := []model.BlockRecord{
		{MiningPool: model.PoolMatch{Name: "Foundry"}},
		{MiningPool: model.PoolMatch{Name: "Foundry"}},
		{MiningPool: model.PoolMatch{Name: "AntPool"}},
	}
	counts := RecentPoolShare(records)
	require.Equal(t, 2, counts["Foundry"])
	require.Equal(t, 1, counts["AntPool"])
}

// mustTemplate builds a NotifyTemplate with empty merkle branches whose
// reconstructed coinbase output sum is exactly totalSats, via a
// single-output legacy transaction assembled as raw coinbase1/coinbase2
// halves with no extranonce padding.
func mustTemplate(t *testing.T, pool string, totalSats int64) model.NotifyTemplate {
	t.Helper()
	valueHex := littleEndianHex64(totalSats)
	// version(4) + incount(1) + prevouthash(32) + prevoutidx(4) +
	// scriptsiglen(1)=0 via coinbase1/coinbase2 split, sequence(4),
	// outcount(1), value(8), scriptpubkeylen(1)=0, locktime(4)
	coinbase1 := "01000000" + "01" + zeros(32) + "ffffffff" + "00"
	coinbase2 := "ffffffff" + "01" + valueHex + "00" + "00000000"
	return model.NotifyTemplate{
		PoolName:        pool,
		Coinbase1:       coinbase1,
		Coinbase2:       coinbase2,
		Extranonce1:     "",
		Extranonce2Size: 0,
		MerkleBranches:  nil,
	}
}

func zeros(n int) string {
	b := make([]byte, n*2)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

func littleEndianHex64(v int64) string {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	out := make([]byte, 16)
	const hexd = "0123456789abcdef"
	for i, c := range b {
		out[i*2] = hexd[c>>4]
		out[i*2+1] = hexd[c&0xF]
	}
	return string(out)
}
