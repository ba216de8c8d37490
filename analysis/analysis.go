// Package analysis computes the stateless per-height functions that
// turn a height's accumulated NotifyTemplates into AnalysisFlags, plus the
// block subsidy schedule it and the chain reconciler use.
package analysis

import (
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/model"
)

// baseSubsidy is 50 BTC in satoshis, halved every subsidyHalvingInterval
// blocks, matching Bitcoin's schedule.
const (
	baseSubsidy            = 50 * 100_000_000
	subsidyHalvingInterval = 210_000
	subsidyHalvingsToZero  = 64
)

// Subsidy returns the block subsidy in satoshis at height h: baseSubsidy
// right-shifted once per halving interval, zero once 64 halvings have
// passed (the point at which the 64-bit right shift would already be 0,
// made explicit here (`subsidy(13_440_000) = 0`).
func Subsidy(height int64) int64 {
	halvings := height / subsidyHalvingInterval
	if halvings >= subsidyHalvingsToZero {
		return 0
	}
	return baseSubsidy >> uint(halvings)
}

// PrevHashFork partitions templates by lowercased prev_hash and, if more
// than one partition exists, returns a flag naming each group's prev_hash
// and the sorted unique pool names observed on it. Templates with an
// empty prev_hash are skipped. Returns false if no fork is present.
func PrevHashFork(templates []model.NotifyTemplate) (model.AnalysisFlag, bool) {
	groups := make(map[string]map[string]struct{})
	order := make([]string, 0)

	for _, t := range templates {
		if t.PrevHash == "" {
			continue
		}
		key := strings.ToLower(t.PrevHash)
		if _, ok := groups[key]; !ok {
			groups[key] = make(map[string]struct{})
			order = append(order, key)
		}
		groups[key][t.PoolName] = struct{}{}
	}

	if len(groups) <= 1 {
		return model.AnalysisFlag{}, false
	}

	sort.Strings(order)
	details := make([]model.PrevHashForkDetail, 0, len(order))
	for _, key := range order {
		pools := make([]string, 0, len(groups[key]))
		for name := range groups[key] {
			pools = append(pools, name)
		}
		sort.Strings(pools)
		details = append(details, model.PrevHashForkDetail{PrevHash: key, Pools: pools})
	}

	return model.AnalysisFlag{
		Key:     model.FlagPrevHashFork,
		Icon:    "fork",
		Details: details,
	}, true
}

// InvalidCoinbaseNoMerkle reconstructs the coinbase of every template at
// height h whose merkle_branches list is empty, and flags any whose
// reconstructed output sum exceeds the subsidy at that height — a
// template claiming to pay more than the protocol allows while also
// supplying no merkle branches a miner could use to confirm it.
func InvalidCoinbaseNoMerkle(height int64, templates []model.NotifyTemplate) (model.AnalysisFlag, bool) {
	subsidy := Subsidy(height)

	var offenders []model.InvalidCoinbaseDetail
	for _, t := range templates {
		if len(t.MerkleBranches) != 0 {
			continue
		}
		raw := coinbase.ReconstructHex(t.Coinbase1, t.Extranonce1, t.Extranonce2Size, t.Coinbase2)
		decoded, err := coinbase.DecodeTemplate(raw)
		if err != nil {
			log.Debugf("skipping malformed template %s for invalid-coinbase analysis: %v", t.JobID, err)
			continue
		}
		if decoded.TotalSats > subsidy {
			log.Warnf("pool %s claims %s against a %s subsidy at height %d with an empty merkle branch list",
				t.PoolName, FormatSats(decoded.TotalSats), FormatSats(subsidy), height)
			offenders = append(offenders, model.InvalidCoinbaseDetail{
				Pool:        t.PoolName,
				TotalSats:   decoded.TotalSats,
				SubsidySats: subsidy,
			})
		}
	}

	if len(offenders) == 0 {
		return model.AnalysisFlag{}, false
	}

	sort.Slice(offenders, func(i, j int) bool { return offenders[i].Pool < offenders[j].Pool })

	return model.AnalysisFlag{
		Key:     model.FlagInvalidCoinbaseNoMerkle,
		Icon:    "warning",
		Details: offenders,
	}, true
}

// Analyze runs every analysis over the templates accumulated for height h
// and returns the flags that fired, in a stable order.
func Analyze(height int64, templates []model.NotifyTemplate) []model.AnalysisFlag {
	var flags []model.AnalysisFlag
	if f, ok := PrevHashFork(templates); ok {
		flags = append(flags, f)
	}
	if f, ok := InvalidCoinbaseNoMerkle(height, templates); ok {
		flags = append(flags, f)
	}
	return flags
}

// FormatSats renders a satoshi amount the way btcd-family tools print
// amounts, used in log lines and operator-facing flag summaries.
func FormatSats(sats int64) string {
	return btcutil.Amount(sats).String()
}

// RecentPoolShare counts, for an arbitrary slice of already-persisted
// BlockRecords, how many carry each pool name. It is a pure fold, not
// part of the live per-block pipeline.
func RecentPoolShare(records []model.BlockRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.MiningPool.Name]++
	}
	return counts
}
