package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/model"
)

// runProxySession accepts exactly one downstream miner connection, opens
// the upstream pool connection without subscribing/authorizing on the
// miner's behalf, and relays bytes bidirectionally while inspecting
// upstream lines for mining.notify and subscribe-shaped responses.
// It never alters, rewrites, or drops a line.
func (c *Client) runProxySession(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.endpoint.ProxyPort))
	if err != nil {
		return poolerr.Fatal("stratum: proxy listen", err)
	}
	defer listener.Close()

	c.setState(StateConnecting)

	downstream, err := acceptOne(ctx, listener)
	if err != nil {
		return fmt.Errorf("proxy accept: %w", err)
	}
	defer downstream.Close()

	upstream, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("proxy upstream connect: %w", err)
	}
	defer upstream.Close()

	c.setState(StateReady)

	errCh := make(chan error, 2)
	go c.relayUpstream(upstream, downstream, errCh)
	go relayRaw(downstream, upstream, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func acceptOne(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// relayRaw forwards downstream->upstream bytes untouched; this client
// does not speak on the attached miner's behalf and has no reason to
// inspect its requests.
func relayRaw(dst, src net.Conn, errCh chan<- error) {
	_, err := io.Copy(src, dst)
	errCh <- err
}

// relayUpstream forwards upstream->downstream line by line, snooping
// mining.notify and subscribe-shaped results as it goes, without
// altering the bytes it passes through.
func (c *Client) relayUpstream(upstream, downstream net.Conn, errCh chan<- error) {
	reader := bufio.NewReader(upstream)
	var extranonce1 string
	var extranonce2Size int

	for {
		if err := upstream.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			errCh <- err
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			errCh <- err
			return
		}
		if _, err := downstream.Write(line); err != nil {
			errCh <- err
			return
		}

		trimmed := line
		if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\n' {
			trimmed = trimmed[:len(trimmed)-1]
		}
		var msg message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			continue
		}

		if msg.Method == "mining.notify" {
			c.handleProxyNotify(msg.Params, extranonce1, extranonce2Size)
			continue
		}

		// Any other response whose result is a list of >= 2 elements is
		// snooped for extranonce1/extranonce2_length, unconditionally —
		// some pools renegotiate extranonce mid-session without a
		// dedicated notification, so every response is a candidate.
		if en1, en2, err := parseSubscribeResult(msg.Result); err == nil {
			extranonce1 = en1
			extranonce2Size = en2
		}
	}
}

func (c *Client) handleProxyNotify(raw json.RawMessage, extranonce1 string, extranonce2Size int) {
	p, err := parseNotifyParams(raw)
	if err != nil {
		log.Debugf("%s: discarding malformed mining.notify (proxy)", c.endpoint.PoolName)
		return
	}

	arrival := time.Now()
	t := model.NotifyTemplate{
		ID:              strconv.FormatUint(uint64(arrival.UnixNano()), 16),
		CapturedAt:      arrival.UTC(),
		PoolName:        c.endpoint.PoolName,
		JobID:           p.JobID,
		PrevHash:        p.PrevHash,
		Coinbase1:       p.Coinbase1,
		Coinbase2:       p.Coinbase2,
		MerkleBranches:  p.MerkleBranches,
		Version:         p.Version,
		NBits:           p.NBits,
		NTime:           p.NTime,
		CleanJobs:       p.CleanJobs,
		Extranonce1:     extranonce1,
		Extranonce2Size: extranonce2Size,
	}
	if decoded, err := coinbase.DecodeTemplate(coinbase.ReconstructHex(t.Coinbase1, t.Extranonce1, t.Extranonce2Size, t.Coinbase2)); err == nil {
		t.Height = decoded.Height
	}
	c.sink.EmitTemplate(t)
}
