package chainwatch

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
)

// RPCConfig is the node JSON-RPC connection configuration.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
	Timeout    time.Duration
}

// substrings that force a pool reset when seen in an RPC error.
var resetTriggers = []string{
	"generator didn't yield",
	"connection",
	"timeout",
	"refused",
	"reset",
	"broken pipe",
	"eof",
}

const resetCooldown = 2 * time.Second

// nodeRPC issues a fresh rpcclient.Client per call ("stale
// keep-alives observed in practice"), with a cooldown-gated forced reset
// available to callers that detect the error classes above. It holds no
// long-lived connection itself — "pool" here names the retry/reset
// policy, not a connection pool.
type nodeRPC struct {
	cfg RPCConfig

	mu        sync.Mutex
	lastReset time.Time
}

func newNodeRPC(cfg RPCConfig) *nodeRPC {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &nodeRPC{cfg: cfg}
}

func (n *nodeRPC) connect() (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         n.cfg.Host,
		User:         n.cfg.User,
		Pass:         n.cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   n.cfg.DisableTLS,
	}
	return rpcclient.New(connCfg, nil)
}

// recreatePool forces a cooldown-gated no-op: since every call already
// opens a fresh client, "recreating the pool" means only marking that a
// reset happened, so repeated detections within the cooldown window don't
// churn connection attempts needlessly.
func (n *nodeRPC) recreatePool() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if time.Since(n.lastReset) < resetCooldown {
		return
	}
	n.lastReset = time.Now()
}

func isResetTrigger(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, t := range resetTriggers {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// withRetry retries fn up to 5 times with 2s initial delay, x2 backoff,
// +/-20% jitter, forcing a pool reset between attempts whenever the error
// looks transient per resetTriggers.
func (n *nodeRPC) withRetry(fn func(*rpcclient.Client) error) error {
	const maxAttempts = 5
	delay := 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		client, err := n.connect()
		if err != nil {
			lastErr = err
		} else {
			lastErr = fn(client)
			client.Shutdown()
		}

		if lastErr == nil {
			return nil
		}
		if isResetTrigger(lastErr) {
			n.recreatePool()
		}
		if attempt == maxAttempts-1 {
			break
		}

		jitter := 1 + (rand.Float64()*0.4 - 0.2)
		time.Sleep(time.Duration(float64(delay) * jitter))
		delay *= 2
	}
	return poolerr.Transient(fmt.Sprintf("rpc: exhausted %d retries", maxAttempts), lastErr)
}

func (n *nodeRPC) GetBestBlockHash() (*chainhash.Hash, error) {
	var hash *chainhash.Hash
	err := n.withRetry(func(c *rpcclient.Client) error {
		h, err := c.GetBestBlockHash()
		hash = h
		return err
	})
	return hash, err
}

func (n *nodeRPC) GetBlockCount() (int64, error) {
	var count int64
	err := n.withRetry(func(c *rpcclient.Client) error {
		v, err := c.GetBlockCount()
		count = v
		return err
	})
	return count, err
}

func (n *nodeRPC) GetBlockHash(height int64) (*chainhash.Hash, error) {
	var hash *chainhash.Hash
	err := n.withRetry(func(c *rpcclient.Client) error {
		h, err := c.GetBlockHash(height)
		hash = h
		return err
	})
	return hash, err
}

func (n *nodeRPC) GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	var block *btcjson.GetBlockVerboseTxResult
	err := n.withRetry(func(c *rpcclient.Client) error {
		b, err := c.GetBlockVerboseTx(hash)
		block = b
		return err
	})
	return block, err
}
