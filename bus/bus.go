// Package bus publishes enriched block records onto a durable AMQP
// fanout exchange, so any number of downstream consumers can react
// to a new or reindexed block without the reconciler knowing who they
// are.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/model"
)

// keepaliveIdle is the idle period before the first TCP keepalive probe,
// matching the broker connection's spec'd idle/interval/count of 60s/10s/5.
// net.Dialer only exposes the idle period portable; interval and count are
// left to the OS default, which the broker side tolerates fine.
const keepaliveIdle = 60 * time.Second

// keepaliveDial builds an amqp.Config.Dial func that opens the TCP
// connection with keepalive enabled, so a half-open broker connection is
// detected instead of hanging a publish indefinitely.
func keepaliveDial(timeout time.Duration) func(network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: keepaliveIdle}
	return func(network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// Config describes the AMQP broker connection and exchange to publish
// block records onto.
type Config struct {
	URL          string
	ExchangeName string
	Heartbeat    time.Duration
	DialTimeout  time.Duration
}

const reconnectCooldown = 2 * time.Second
const heartbeatLoopInterval = 15 * time.Second

// Publisher owns one AMQP connection/channel pair and republishes it
// after a detected disconnect. All public methods are safe for
// concurrent use; they share a single mutex with the background
// heartbeat loop so a reconnect never races a publish.
type Publisher struct {
	cfg Config

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	lastDial time.Time
}

// NewPublisher builds a Publisher with the connection/channel defaults:
// heartbeat 30s, connection timeout 10s, TCP keepalive idle 60s. No
// socket read/write timeout is set, and the keepalive probe interval and
// count are the OS defaults.
func NewPublisher(cfg Config) *Publisher {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ExchangeName == "" {
		cfg.ExchangeName = "poolwatch.blocks"
	}
	return &Publisher{cfg: cfg}
}

// Run keeps the connection's heartbeat alive until ctx is canceled. It
// is a health loop: amqp091-go already services heartbeats on its
// own goroutine, but this loop proactively detects and repairs a dead
// channel between publishes so a long quiet period doesn't surface its
// failure only on the next PublishBlock call.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.close()
			return
		case <-ticker.C:
			p.mu.Lock()
			healthy := p.ch != nil && !p.ch.IsClosed()
			p.mu.Unlock()
			if !healthy {
				if err := p.ensureConnected(); err != nil {
					log.Warnf("bus: heartbeat reconnect failed: %v", err)
				}
			}
		}
	}
}

// envelope is the wire shape every bus message takes:
// {type, id, timestamp, data}.
type envelope struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PublishBlock wraps rec in a "block" envelope and publishes it to the
// fanout exchange with an empty routing key and persistent delivery
// mode. Up to 3 attempts with 1.5x backoff capped at 10s.
func (p *Publisher) PublishBlock(ctx context.Context, rec model.BlockRecord) error {
	return p.publishEnvelope(ctx, "block", rec)
}

// PublishTemplate wraps t in a "mining.notify" envelope and publishes it
// the same way as PublishBlock.
func (p *Publisher) PublishTemplate(ctx context.Context, t model.NotifyTemplate) error {
	return p.publishEnvelope(ctx, "mining.notify", t)
}

func (p *Publisher) publishEnvelope(ctx context.Context, kind string, data interface{}) error {
	id := uuid.New().String()
	body, err := json.Marshal(envelope{Type: kind, ID: id, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return poolerr.Protocol(fmt.Sprintf("bus: marshal %s envelope", kind), err)
	}

	const maxAttempts = 3
	delay := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := p.ensureConnected(); err != nil {
			lastErr = err
		} else if err := p.publishOnce(ctx, id, body); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	return poolerr.Transient(fmt.Sprintf("bus: exhausted %d publish attempts", maxAttempts), lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, id string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return poolerr.Transient("bus: publish", fmt.Errorf("no open channel"))
	}
	return p.ch.PublishWithContext(ctx, p.cfg.ExchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// ensureConnected (re)dials the broker and re-declares the exchange if
// the current connection/channel is missing or closed, gated by a 2s
// reconnect cooldown so a hot failure loop doesn't hammer the broker.
func (p *Publisher) ensureConnected() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	if time.Since(p.lastDial) < reconnectCooldown {
		return poolerr.Transient("bus: reconnect", fmt.Errorf("on cooldown"))
	}
	p.lastDial = time.Now()

	p.closeLocked()

	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{
		Heartbeat: p.cfg.Heartbeat,
		Dial:      keepaliveDial(p.cfg.DialTimeout),
	})
	if err != nil {
		return poolerr.Transient("bus: dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return poolerr.Transient("bus: open channel", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return poolerr.Transient("bus: set qos", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return poolerr.Transient("bus: declare exchange", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
