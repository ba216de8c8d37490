// Package stratum implements the per-endpoint Stratum v1 fleet client:
// one long-lived TCP session per pool, surviving silent hangs,
// optionally SOCKS5-tunneled, optionally a transparent proxy between an
// attached miner and the upstream pool, emitting one canonical
// NotifyTemplate per inbound mining.notify.
package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/go-socks/socks"

	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/model"
)

// Sink receives every canonical NotifyTemplate a Client decodes. The
// caller wires this to persistence + the fan-out publisher.
type Sink interface {
	EmitTemplate(model.NotifyTemplate)
}

// SessionHealth is a per-endpoint gauge of connection health:
// consecutive session failures and the last time the session reached
// READY.
type SessionHealth struct {
	State               State
	ConsecutiveFailures int
	LastReadyAt         time.Time
}

// Client manages one endpoint's connection lifecycle for the duration of
// the process.
type Client struct {
	endpoint model.Endpoint
	sink     Sink

	mu     sync.Mutex
	health SessionHealth
}

// NewClient builds a Client for one endpoint. Defaults for retry policy
// (5 retries, 5s delay) are applied here if the endpoint leaves them
// unset.
func NewClient(ep model.Endpoint, sink Sink) *Client {
	if ep.MaxRetries == 0 {
		ep.MaxRetries = 5
	}
	if ep.RetryDelay == 0 {
		ep.RetryDelay = 5 * time.Second
	}
	return &Client{endpoint: ep, sink: sink}
}

// Health returns a snapshot of this client's current connection health.
func (c *Client) Health() SessionHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.State = s
	if s == StateReady {
		c.health.LastReadyAt = time.Now()
		c.health.ConsecutiveFailures = 0
	}
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.ConsecutiveFailures++
}

// Run is the outer self-healing loop: it keeps the session alive until
// ctx is canceled, regardless of how many times the inner session fails.
// The only non-nil return is a FatalError (an unbindable proxy listen
// port); the caller exits the process on it.
func (c *Client) Run(ctx context.Context) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var err error
		if c.endpoint.ProxyEnabled {
			err = c.runProxySession(ctx)
		} else {
			err = c.runSession(ctx)
		}

		if ctx.Err() != nil {
			return nil
		}

		var fatal *poolerr.FatalError
		if errors.As(err, &fatal) {
			return err
		}

		c.recordFailure()
		retries++
		log.Warnf("%s: session ended (%v), retry %d/%d", c.endpoint.PoolName, err, retries, c.endpoint.MaxRetries)

		if retries > c.endpoint.MaxRetries {
			log.Errorf("%s: exhausted %d retries, endpoint unavailable; outer loop keeps trying", c.endpoint.PoolName, c.endpoint.MaxRetries)
			retries = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.endpoint.RetryDelay):
		}
	}
}

// dial opens the TCP connection, tunneling through SOCKS5 first when the
// endpoint configures one.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := c.endpoint.Dial()

	if c.endpoint.Socks5Host != "" {
		proxy := &socks.Proxy{
			Addr: net.JoinHostPort(c.endpoint.Socks5Host, strconv.Itoa(c.endpoint.Socks5Port)),
		}
		return proxy.Dial("tcp", addr)
	}

	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// runSession performs one full connect-through-failure cycle of the
// non-proxy state machine: CONNECTING -> SUBSCRIBING -> AUTHORIZING ->
// READY, then reads notifies until something fails.
func (c *Client) runSession(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	sess := newSession(conn)
	defer sess.close()

	c.setState(StateSubscribing)
	if err := c.subscribe(sess); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.setState(StateAuthorizing)
	if err := c.authorize(sess); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	c.setState(StateReady)
	sess.lastKeepAlive = time.Now()
	return c.readLoop(ctx, sess)
}

func (c *Client) subscribe(sess *session) error {
	id, err := sess.send("mining.subscribe", []interface{}{})
	if err != nil {
		return err
	}
	return c.awaitSubscribeResult(sess, id)
}

func (c *Client) awaitSubscribeResult(sess *session, wantID uint64) error {
	for {
		line, err := sess.readLine(readTimeout)
		if err != nil {
			return ConnectionLost
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.isNotify() {
			// A pool is free to push a notify before the subscribe
			// response lands; capture it and keep waiting.
			c.handleNotify(sess, msg.Params)
			continue
		}
		var id uint64
		if err := json.Unmarshal(msg.ID, &id); err != nil || id != wantID {
			continue
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			return fmt.Errorf("mining.subscribe error: %s", msg.Error)
		}
		extranonce1, extranonce2Size, err := parseSubscribeResult(msg.Result)
		if err != nil {
			return fmt.Errorf("malformed subscribe result: %w", err)
		}
		sess.extranonce1 = extranonce1
		sess.extranonce2Size = extranonce2Size
		sess.lastKeepAlive = time.Now()
		return nil
	}
}

func (c *Client) authorize(sess *session) error {
	_, err := sess.send("mining.authorize", []interface{}{c.endpoint.User, c.endpoint.Pass})
	if err != nil {
		return err
	}
	// Authorize's response is consumed the same way as any other
	// response in the main read loop; a pool that rejects authorization
	// typically still keeps the session open and sends notifies, so this
	// client does not block waiting for it.
	return nil
}

// readLoop drives the READY state: blocking reads bounded by readTimeout,
// early wake-ups for the keep-alive resubscribe, and notify decoding.
func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wait := readTimeout
		if c.endpoint.KeepAlive {
			remaining := keepAliveInterval - time.Since(sess.lastKeepAlive)
			if remaining <= 0 {
				if _, err := sess.send("mining.subscribe", []interface{}{}); err != nil {
					return fmt.Errorf("keepalive: %w", err)
				}
				sess.lastKeepAlive = time.Now()
				continue
			}
			if remaining < wait {
				wait = remaining
			}
		}

		line, err := sess.readLine(wait)
		if err != nil {
			if wait < readTimeout && isTimeout(err) {
				continue
			}
			return ConnectionLost
		}
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debugf("%s: discarding malformed JSON line", c.endpoint.PoolName)
			continue
		}
		if msg.Method == "mining.notify" {
			c.handleNotify(sess, msg.Params)
		}
	}
}

// handleNotify constructs and emits the canonical NotifyTemplate for one
// inbound mining.notify. Arrival time is captured as hex-encoded
// nanoseconds (no leading "0x"), used as the record id.
func (c *Client) handleNotify(sess *session, raw json.RawMessage) {
	p, err := parseNotifyParams(raw)
	if err != nil {
		log.Debugf("%s: discarding malformed mining.notify", c.endpoint.PoolName)
		return
	}

	arrival := time.Now()
	id := strconv.FormatUint(uint64(arrival.UnixNano()), 16)

	t := model.NotifyTemplate{
		ID:              id,
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
		Extranonce1:     sess.extranonce1,
		Extranonce2Size: sess.extranonce2Size,
	}

	if decoded, err := coinbase.DecodeTemplate(coinbase.ReconstructHex(t.Coinbase1, t.Extranonce1, t.Extranonce2Size, t.Coinbase2)); err == nil {
		t.Height = decoded.Height
	}

	c.sink.EmitTemplate(t)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
