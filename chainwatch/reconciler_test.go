package chainwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/toole-brendan/poolwatch/chainwatch/checkpoint"
	"github.com/toole-brendan/poolwatch/model"
	"github.com/toole-brendan/poolwatch/rules"
)

// fakeBlocks is an in-memory BlockStore stand-in for reconciler tests
// that don't need a live MongoDB.
type fakeBlocks struct {
	byHash map[string]model.BlockRecord
}

func newFakeBlocks() *fakeBlocks { return &fakeBlocks{byHash: make(map[string]model.BlockRecord)} }

func (f *fakeBlocks) MaxHeight(context.Context) (int64, bool, error) { return 0, false, nil }
func (f *fakeBlocks) MinHeight(context.Context) (int64, bool, error) { return 0, false, nil }
func (f *fakeBlocks) PersistedHeights(context.Context, int64, int64) (map[int64]bool, error) {
	return nil, nil
}

func (f *fakeBlocks) Upsert(_ context.Context, rec model.BlockRecord) error {
	f.byHash[rec.Hash] = rec
	return nil
}

func (f *fakeBlocks) Insert(_ context.Context, rec model.BlockRecord) error {
	f.byHash[rec.Hash] = rec
	return nil
}

func (f *fakeBlocks) AllDescending(context.Context) ([]model.BlockRecord, error) {
	out := make([]model.BlockRecord, 0, len(f.byHash))
	for _, rec := range f.byHash {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out, nil
}

func cloneRecords(m map[string]model.BlockRecord) map[string]model.BlockRecord {
	out := make(map[string]model.BlockRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fakePublisher is a no-op Publisher stand-in that counts calls.
type fakePublisher struct{ published int }

func (p *fakePublisher) PublishBlock(context.Context, model.BlockRecord) error {
	p.published++
	return nil
}

// loadTestSnapshot compiles a rules.Snapshot from literal pool
// definitions via a local-file load, the same path the real rule-set
// manager's fallback uses.
func loadTestSnapshot(t *testing.T, defs []model.PoolDefinition) rules.Snapshot {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.json")
	body, err := json.Marshal(defs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	mgr := rules.NewManager("", path, nil)
	return mgr.LoadNow()
}

func newTestReconciler(t *testing.T, blocks BlockStore, pub Publisher) *Reconciler {
	t.Helper()
	cp, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint"))
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })

	return &Reconciler{
		rpc:    newNodeRPC(RPCConfig{}),
		cp:     cp,
		blocks: blocks,
		pub:    pub,
	}
}

// TestReindexIsIdempotent checks that running reindex twice over an
// unchanged rule set yields identical BlockRecords.
func TestReindexIsIdempotent(t *testing.T) {
	pools := []model.PoolDefinition{
		{ID: "p1", Name: "Pool One", Addresses: []string{"addrA"}},
		{ID: "p2", Name: "Pool Two", Addresses: []string{"addrB"}},
	}
	snap := loadTestSnapshot(t, pools)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		blocks := newFakeBlocks()
		for i := 0; i < n; i++ {
			addr := "addrA"
			if i%2 == 1 {
				addr = "addrB"
			}
			hash := fmt.Sprintf("hash-%d", i)
			blocks.byHash[hash] = model.BlockRecord{
				Hash:              hash,
				Height:            int64(i),
				CoinbaseAddresses: []string{addr},
			}
		}

		r := newTestReconciler(t, blocks, &fakePublisher{})

		r.reindex(context.Background(), snap)
		first := cloneRecords(blocks.byHash)

		r.reindex(context.Background(), snap)
		second := cloneRecords(blocks.byHash)

		require.Equal(rt, first, second)
	})
}

// TestReindexIdentifiesByAddress checks that a reindex actually updates
// MiningPool for a block whose address now matches, not just that it's
// stable once converged.
func TestReindexIdentifiesByAddress(t *testing.T) {
	pools := []model.PoolDefinition{
		{ID: "p1", Name: "Pool One", Addresses: []string{"addrA"}},
	}
	snap := loadTestSnapshot(t, pools)

	blocks := newFakeBlocks()
	blocks.byHash["h1"] = model.BlockRecord{Hash: "h1", Height: 1, CoinbaseAddresses: []string{"addrA"}}

	pub := &fakePublisher{}
	r := newTestReconciler(t, blocks, pub)
	r.reindex(context.Background(), snap)

	require.Equal(t, "p1", blocks.byHash["h1"].MiningPool.ID)
	require.Equal(t, "address", blocks.byHash["h1"].MiningPool.IdentificationMethod)
	require.Equal(t, 1, pub.published)
}

// TestCheckRuleSetCheckpointSeedsOnFirstRun checks that a never-written
// checkpoint is seeded with the current snapshot hash rather than
// triggering a spurious reindex.
func TestCheckRuleSetCheckpointSeedsOnFirstRun(t *testing.T) {
	snap := loadTestSnapshot(t, []model.PoolDefinition{{ID: "p1", Name: "Pool One"}})
	blocks := newFakeBlocks()
	pub := &fakePublisher{}
	r := newTestReconciler(t, blocks, pub)

	r.checkRuleSetCheckpoint(snap)

	stored, ok, err := r.cp.RuleSetHash()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.Hash, stored)
	require.Equal(t, 0, pub.published, "seeding the checkpoint must not trigger a reindex")
}

// TestCheckRuleSetCheckpointDetectsChangeAcrossRestart checks that a
// rule-set hash mismatch against the checkpoint (the only case OnChange
// cannot observe, since OnChange only fires on a change seen within a
// running process) triggers a reindex.
func TestCheckRuleSetCheckpointDetectsChangeAcrossRestart(t *testing.T) {
	blocks := newFakeBlocks()
	blocks.byHash["h1"] = model.BlockRecord{Hash: "h1", Height: 1, CoinbaseAddresses: []string{"addrA"}}
	pub := &fakePublisher{}
	r := newTestReconciler(t, blocks, pub)
	require.NoError(t, r.cp.SetRuleSetHash("stale-hash"))

	snap := loadTestSnapshot(t, []model.PoolDefinition{{ID: "p1", Name: "Pool One", Addresses: []string{"addrA"}}})
	r.checkRuleSetCheckpoint(snap)

	require.Eventually(t, func() bool {
		return blocks.byHash["h1"].MiningPool.ID == "p1"
	}, time.Second, 5*time.Millisecond, "checkpoint mismatch must trigger a background reindex")
}
