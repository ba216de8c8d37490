package chainwatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/poolwatch/analysis"
	"github.com/toole-brendan/poolwatch/chainwatch/checkpoint"
	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/internal/poollog"
	"github.com/toole-brendan/poolwatch/model"
	"github.com/toole-brendan/poolwatch/rules"
)

// ZMQWorkers bounds the concurrent block-processing goroutines the live
// rawblock listener may run at once.
const ZMQWorkers = 2

// Reconciler wires the node RPC, the rawblock listener, the rule-set
// manager, and the document stores into the single per-block pipeline
// described below: decode coinbase, identify pool, run analysis flags,
// persist, publish.
type Reconciler struct {
	rpc   *nodeRPC
	zmq   *zmqListener
	rules *rules.Manager
	cp    *checkpoint.Store

	blocks    BlockStore
	templates TemplateStore
	pub       Publisher

	reindexing int32
}

// NewReconciler constructs a Reconciler. zmqEndpoint is the node's
// `zmqpubrawblock` address (e.g. tcp://127.0.0.1:28332).
func NewReconciler(rpcCfg RPCConfig, zmqEndpoint string, blocks BlockStore, templates TemplateStore, pub Publisher, rulesMgr *rules.Manager, cp *checkpoint.Store) *Reconciler {
	r := &Reconciler{
		rpc:       newNodeRPC(rpcCfg),
		rules:     rulesMgr,
		cp:        cp,
		blocks:    blocks,
		templates: templates,
		pub:       pub,
	}
	r.zmq = newZMQListener(zmqEndpoint, ZMQWorkers, r.processHash)
	return r
}

// Run performs the startup backfill, then follows the chain tip over
// ZMQ until ctx is canceled. A rule-set change observed by rulesMgr
// triggers a full reindex of persisted blocks in the background.
//
// Run's own return only ever reflects the startup backfill: an
// unreachable node at boot is a fatal startup condition, so callers
// should treat a non-nil error here as fatal rather than log-and-continue.
// Once backfill succeeds, the live ZMQ follow loop is self-healing and
// Run blocks until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.backfillOnStart(ctx); err != nil {
		return poolerr.Fatal("chainwatch: initial backfill", err)
	}

	r.rules.OnChange = func(snap rules.Snapshot) {
		go r.reindex(context.Background(), snap)
	}

	// Load the rule set synchronously once so it can be compared against
	// the checkpoint's last-reindexed hash before Run's background loop
	// takes over the periodic reload. OnChange alone would miss this: it
	// only fires on a change observed after the manager already holds a
	// snapshot, never on the first load of a fresh process.
	r.checkRuleSetCheckpoint(r.rules.LoadNow())
	go r.rules.Run(ctx.Done())

	r.zmq.run(ctx)
	return nil
}

// checkRuleSetCheckpoint compares the rule-set hash the checkpoint
// recorded as of the last reindex against the freshly loaded snapshot.
// A mismatch means the rule set changed while this process wasn't
// running (OnChange can't observe that), so a reindex is triggered here
// instead. A checkpoint that has never been written is seeded with the
// current hash so the comparison has a baseline on the next restart.
func (r *Reconciler) checkRuleSetCheckpoint(snap rules.Snapshot) {
	if snap.Hash == "" {
		return
	}
	storedHash, ok, err := r.cp.RuleSetHash()
	if err != nil {
		log.Warnf("chainwatch: checkpoint rule-set read failed: %v", err)
		return
	}
	if !ok {
		if err := r.cp.SetRuleSetHash(snap.Hash); err != nil {
			log.Warnf("chainwatch: checkpoint rule-set write: %v", err)
		}
		return
	}
	if storedHash != snap.Hash {
		log.Infof("chainwatch: rule-set hash changed since last run (checkpoint=%s current=%s), reindexing", storedHash, snap.Hash)
		go r.reindex(context.Background(), snap)
	}
}

func (r *Reconciler) backfillOnStart(ctx context.Context) error {
	bestHash, err := r.rpc.GetBestBlockHash()
	if err != nil {
		return err
	}
	bestBlock, err := r.rpc.GetBlockVerboseTx(bestHash)
	if err != nil {
		return err
	}
	bestHeight := bestBlock.Height

	maxHeight, haveMax, err := r.maxPersistedHeight(ctx)
	if err != nil {
		return err
	}
	minHeight, haveMin, err := r.blocks.MinHeight(ctx)
	if err != nil {
		return err
	}

	var persisted map[int64]bool
	if haveMin && minHeight > MinBlockHeight {
		persisted, err = r.blocks.PersistedHeights(ctx, MinBlockHeight, minHeight-1)
		if err != nil {
			return err
		}
	}

	heights := planBackfill(bestHeight, maxHeight, minHeight, haveMax && haveMin, persisted)
	if len(heights) == 0 {
		return nil
	}
	log.Infof("chainwatch: backfilling %d blocks", len(heights))

	return runBackfill(ctx, r.rpc, heights, func(ctx context.Context, height int64) error {
		hash, err := r.rpc.GetBlockHash(height)
		if err != nil {
			return err
		}
		return r.processHashSync(ctx, hash, true)
	})
}

// maxPersistedHeight prefers the checkpoint's last-processed height --
// one local goleveldb read -- over the blocks collection's sorted
// MaxHeight query, so a restart doesn't replay that scan against the
// document store before resuming backfill. It falls back to the store
// scan if the checkpoint has never been written or fails to read.
func (r *Reconciler) maxPersistedHeight(ctx context.Context) (int64, bool, error) {
	if h, ok, err := r.cp.LastHeight(); err != nil {
		log.Warnf("chainwatch: checkpoint read failed, falling back to store scan: %v", err)
	} else if ok {
		return h, true, nil
	}
	return r.blocks.MaxHeight(ctx)
}

// processHash is the zmqListener callback for newly observed blocks; it
// never aborts the listener loop on a single block's failure.
func (r *Reconciler) processHash(ctx context.Context, hash *chainhash.Hash) {
	if err := r.processHashSync(ctx, hash, false); err != nil {
		log.Warnf("chainwatch: processing block %s: %v", hash, err)
	}
}

func (r *Reconciler) processHashSync(ctx context.Context, hash *chainhash.Hash, isBackfill bool) error {
	block, err := r.rpc.GetBlockVerboseTx(hash)
	if err != nil {
		return err
	}
	rec, err := r.buildRecord(ctx, block)
	if err != nil {
		return err
	}

	if isBackfill {
		err = r.blocks.Insert(ctx, rec)
	} else {
		err = r.blocks.Upsert(ctx, rec)
	}
	if err != nil {
		// The publish below is independent of persistence: a store
		// write failure is logged, not allowed to drop the record from
		// the bus.
		log.Warnf("chainwatch: persisting block %d: %v", rec.Height, err)
	} else if err := r.cp.SetLastHeight(rec.Height); err != nil {
		log.Warnf("chainwatch: checkpoint write: %v", err)
	}

	if r.pub != nil {
		if err := r.pub.PublishBlock(ctx, rec); err != nil {
			log.Warnf("chainwatch: publish block %d: %v", rec.Height, err)
		}
	}
	return nil
}

func (r *Reconciler) buildRecord(ctx context.Context, block *btcjson.GetBlockVerboseTxResult) (model.BlockRecord, error) {
	if len(block.Tx) == 0 {
		return model.BlockRecord{}, fmt.Errorf("chainwatch: block %s has no transactions", block.Hash)
	}
	coinbaseTx := &block.Tx[0]

	decoded, err := coinbase.DecodeBlockCoinbase(coinbaseTx)
	if err != nil {
		if log.Level() <= btclog.LevelDebug {
			log.Debugf("chainwatch: coinbase decode failed for block %s:\n%s", block.Hash, poollog.Dump(coinbaseTx))
		}
		return model.BlockRecord{}, err
	}

	snap := r.rules.Current()
	match := rules.Identify(snap, decoded.Addresses, decoded.ScriptSigHex)

	templates, err := r.templates.TemplatesAtHeight(ctx, block.Height)
	if err != nil {
		log.Warnf("chainwatch: loading templates at height %d: %v", block.Height, err)
	}
	flags := analysis.Analyze(block.Height, templates)

	rec := model.BlockRecord{
		Height:            block.Height,
		Hash:              block.Hash,
		Timestamp:         time.Unix(block.Time, 0).UTC(),
		ScriptSigHex:      decoded.ScriptSigHex,
		ScriptSigText:     decoded.ScriptSigText,
		CoinbaseAddresses: decoded.Addresses,
		SubsidySats:       analysis.Subsidy(block.Height),
		MiningPool:        match,
		Analysis:          flags,
		RuleSetHash:       snap.Hash,
	}
	return rec, nil
}

// ReindexNow triggers an out-of-band full reindex against the current
// rule-set snapshot, independent of whether the snapshot's hash has
// changed — the effect of the `--reindex-blocks` boot flag.
func (r *Reconciler) ReindexNow(ctx context.Context) {
	r.reindex(ctx, r.rules.Current())
}

// reindex re-derives pool identification for every persisted block
// against snap without touching height/hash/time fields. Only one
// reindex runs at a time; a call made while another reindex is running
// returns immediately and is not queued or retried.
func (r *Reconciler) reindex(ctx context.Context, snap rules.Snapshot) {
	if !atomic.CompareAndSwapInt32(&r.reindexing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.reindexing, 0)

	recs, err := r.blocks.AllDescending(ctx)
	if err != nil {
		log.Warnf("chainwatch: reindex: loading blocks: %v", err)
		return
	}

	log.Infof("chainwatch: reindexing %d blocks against rule-set %s", len(recs), snap.Hash)
	for _, rec := range recs {
		match := rules.Identify(snap, rec.CoinbaseAddresses, rec.ScriptSigHex)
		if match.ID == rec.MiningPool.ID && match.IdentificationMethod == rec.MiningPool.IdentificationMethod {
			continue
		}
		rec.MiningPool = match
		rec.RuleSetHash = snap.Hash
		if err := r.blocks.Upsert(ctx, rec); err != nil {
			log.Warnf("chainwatch: reindex: upserting block %d: %v", rec.Height, err)
			continue
		}
		if r.pub != nil {
			if err := r.pub.PublishBlock(ctx, rec); err != nil {
				log.Warnf("chainwatch: reindex: publishing block %d: %v", rec.Height, err)
			}
		}
	}

	if err := r.cp.SetRuleSetHash(snap.Hash); err != nil {
		log.Warnf("chainwatch: checkpoint rule-set write: %v", err)
	}
}
