// Package model holds the shared record types that flow between the
// Stratum client, the chain reconciler, the analysis engine, and the
// fan-out publisher.
package model

import (
	"net"
	"strconv"
	"time"
)

// Endpoint describes one pool connection to watch. It is created from
// static configuration and never mutated.
type Endpoint struct {
	URL          string // scheme is always "stratum+tcp"
	Host         string
	Port         int
	User         string
	Pass         string
	PoolName     string
	Socks5Host   string
	Socks5Port   int
	ProxyEnabled bool
	ProxyPort    int
	KeepAlive    bool
	MaxRetries   int
	RetryDelay   time.Duration
}

// Dial returns the "host:port" pair this endpoint connects to.
func (e Endpoint) Dial() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// NotifyTemplate is the canonical record emitted for every inbound
// mining.notify message.
type NotifyTemplate struct {
	ID              string    `bson:"_id" json:"id"`
	CapturedAt      time.Time `bson:"captured_at" json:"captured_at"`
	PoolName        string    `bson:"pool_name" json:"pool_name"`
	Height          int64     `bson:"height" json:"height"`
	JobID           string    `bson:"job_id" json:"job_id"`
	PrevHash        string    `bson:"prev_hash" json:"prev_hash"`
	Coinbase1       string    `bson:"coinbase1" json:"coinbase1"`
	Coinbase2       string    `bson:"coinbase2" json:"coinbase2"`
	MerkleBranches  []string  `bson:"merkle_branches" json:"merkle_branches"`
	Version         string    `bson:"version" json:"version"`
	NBits           string    `bson:"nbits" json:"nbits"`
	NTime           string    `bson:"ntime" json:"ntime"`
	CleanJobs       bool      `bson:"clean_jobs" json:"clean_jobs"`
	Extranonce1     string    `bson:"extranonce1" json:"extranonce1"`
	Extranonce2Size int       `bson:"extranonce2_size" json:"extranonce2_size"`
}

// PoolMatch is the result of identifying which pool is responsible for a
// coinbase transaction.
type PoolMatch struct {
	ID                   string `bson:"id" json:"id"`
	Name                 string `bson:"name" json:"name"`
	Slug                 string `bson:"slug" json:"slug"`
	Link                 string `bson:"link" json:"link"`
	MatchType            string `bson:"match_type" json:"match_type"`
	IdentificationMethod string `bson:"identification_method" json:"identification_method"` // "address" | "tag" | ""
	DatumTemplateCreator string `bson:"datum_template_creator,omitempty" json:"datum_template_creator,omitempty"`
}

// UnknownPool is returned by the identifier when no rule matches.
func UnknownPool() PoolMatch {
	return PoolMatch{ID: "unknown", Name: "Unknown"}
}

// AnalysisFlagKey enumerates the analysis flags a BlockRecord can carry.
type AnalysisFlagKey string

const (
	FlagPrevHashFork            AnalysisFlagKey = "prev_hash_fork"
	FlagInvalidCoinbaseNoMerkle AnalysisFlagKey = "invalid_coinbase_no_merkle"
)

// AnalysisFlag is a derived diagnostic attached to a BlockRecord. It is
// never persisted independently of its owning record.
type AnalysisFlag struct {
	Key     AnalysisFlagKey `bson:"key" json:"key"`
	Icon    string          `bson:"icon" json:"icon"`
	Details interface{}     `bson:"details" json:"details"`
}

// PrevHashForkDetail is the Details payload of a FlagPrevHashFork flag.
type PrevHashForkDetail struct {
	PrevHash string   `bson:"prev_hash" json:"prev_hash"`
	Pools    []string `bson:"pools" json:"pools"`
}

// InvalidCoinbaseDetail is the Details payload of a
// FlagInvalidCoinbaseNoMerkle flag.
type InvalidCoinbaseDetail struct {
	Pool        string `bson:"pool" json:"pool"`
	TotalSats   int64  `bson:"total_sats" json:"total_sats"`
	SubsidySats int64  `bson:"subsidy_sats" json:"subsidy_sats"`
}

// BlockRecord is the persisted view of one observed block.
type BlockRecord struct {
	Hash              string         `bson:"_id" json:"hash"`
	Height            int64          `bson:"height" json:"height"`
	Timestamp         time.Time      `bson:"timestamp" json:"timestamp"`
	ScriptSigHex      string         `bson:"script_sig_hex" json:"script_sig_hex"`
	ScriptSigText     string         `bson:"script_sig_text" json:"script_sig_text"`
	CoinbaseAddresses []string       `bson:"coinbase_addresses" json:"coinbase_addresses"`
	SubsidySats       int64          `bson:"subsidy_sats" json:"subsidy_sats"`
	MiningPool        PoolMatch      `bson:"mining_pool" json:"mining_pool"`
	Analysis          []AnalysisFlag `bson:"analysis" json:"analysis"`
	RuleSetHash       string         `bson:"rule_set_hash" json:"rule_set_hash"`
}

// PoolDefinition is one entry of the reloadable pool rule set.
type PoolDefinition struct {
	ID        string   `bson:"id" json:"id"`
	Name      string   `bson:"name" json:"name"`
	Slug      string   `bson:"slug,omitempty" json:"slug,omitempty"`
	Link      string   `bson:"link,omitempty" json:"link,omitempty"`
	Addresses []string `bson:"addresses" json:"addresses"`
	Tags      []string `bson:"tags" json:"tags"`
	Regexes   []string `bson:"regexes" json:"regexes"`
}
