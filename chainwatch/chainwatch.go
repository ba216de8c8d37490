// Package chainwatch reconciles the node's blockchain view against the
// `blocks`/`mining_notify` collections: it backfills missing history,
// follows new blocks via ZMQ, identifies the mining pool that produced
// each, runs the analysis flags, and republishes on rule-set change.
package chainwatch

// MinBlockHeight is the floor of backfill scans: the module does not
// reach back past the configured start of the chain's pool-era history.
// It is a package variable (not a const) because it is set once from
// configuration before any Reconciler is constructed.
var MinBlockHeight int64 = 0
