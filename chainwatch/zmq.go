package chainwatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	zmq "github.com/pebbe/zmq4"
)

var errShortPayload = errors.New("chainwatch: rawblock payload shorter than an 80-byte header")

const rawBlockTopic = "rawblock"

// recentHashCacheSize bounds the dedupe LRU so a ZMQ redelivery of a
// block we already processed this run is skipped rather than
// reprocessed.
const recentHashCacheSize = 256

// zmqListener subscribes to the node's rawblock topic and submits each
// distinct block hash to a bounded worker pool for processing.
type zmqListener struct {
	endpoint string
	process  func(ctx context.Context, hash *chainhash.Hash)
	workers  int

	seen lru.Cache
}

func newZMQListener(endpoint string, workers int, process func(ctx context.Context, hash *chainhash.Hash)) *zmqListener {
	return &zmqListener{
		endpoint: endpoint,
		process:  process,
		workers:  workers,
		seen:     lru.NewCache(uint(recentHashCacheSize)),
	}
}

// run subscribes and dispatches until ctx is canceled. It self-heals:
// a socket-level error reconnects after 5s; a per-message error just
// sleeps 1s and continues.
func (z *zmqListener) run(ctx context.Context) {
	sem := make(chan struct{}, z.workers)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := z.subscribeOnce(ctx, sem); err != nil {
			log.Warnf("zmq: %v, reconnecting in 5s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (z *zmqListener) subscribeOnce(ctx context.Context, sem chan struct{}) error {
	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Connect(z.endpoint); err != nil {
		return err
	}
	if err := sock.SetSubscribe(rawBlockTopic); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = sock.SetRcvtimeo(1 * time.Second)
		frames, err := sock.RecvMessageBytes(0)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "resource temporarily unavailable") {
				continue // recv timeout, not a fault; lets the ctx.Done() check above re-run
			}
			return err
		}
		if len(frames) < 2 || string(frames[0]) != rawBlockTopic {
			continue
		}

		hash, err := blockHashFromHeader(frames[1])
		if err != nil {
			log.Warnf("zmq: malformed rawblock payload: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}
		if z.seen.Contains(hash.String()) {
			continue
		}
		z.seen.Add(hash.String())

		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			z.process(ctx, hash)
		}()
	}
}

// blockHashFromHeader computes the block hash from the leading 80-byte
// header of a serialized block: double-SHA-256, displayed byte-reversed
// (chainhash.Hash's String() already performs that reversal).
func blockHashFromHeader(payload []byte) (*chainhash.Hash, error) {
	if len(payload) < 80 {
		return nil, errShortPayload
	}
	h := chainhash.DoubleHashH(payload[:80])
	return &h, nil
}
