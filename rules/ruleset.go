// Package rules maintains the reloadable pool-identification rule set
// and the address/tag/regex cascade that matches a decoded coinbase
// against it.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/model"
)

// StoreReader is the subset of the pools collection the rule-set
// manager falls back to when the HTTP source and the local file are both
// unavailable.
type StoreReader interface {
	LoadPools() ([]model.PoolDefinition, error)
}

// Snapshot is an immutable, compiled view of the rule set at a point in
// time. Readers take the current snapshot and never mutate it; the
// Manager publishes a new one atomically on every successful reload.
type Snapshot struct {
	Hash  string
	Pools []compiledPool
}

type compiledPool struct {
	def     model.PoolDefinition
	regexes []*regexp.Regexp
}

// Manager owns the current Snapshot and the periodic/HTTP/file/store
// fallback reload.
type Manager struct {
	URL            string
	LocalFilePath  string
	Store          StoreReader
	UpdateInterval time.Duration
	HTTPClient     *http.Client

	// OnChange is invoked (best-effort, from the update goroutine) with
	// the new snapshot whenever a reload's stable hash differs from the
	// previous one and an earlier reload had already loaded at least one
	// pool definition; it never fires on the first successful load, and it
	// does not check whether any block is persisted. It is
	// the one-directional replacement for the legacy
	// pools_manager<->blocks cycle: the manager never calls back
	// into the reindexer, it only announces a new snapshot.
	OnChange func(Snapshot)

	current  atomic.Value // Snapshot
	mu       sync.Mutex
	lastFail time.Time
	seenAny  bool
}

const failCooldown = 3600 * time.Second

// NewManager builds a Manager with sensible polling defaults.
func NewManager(url, localFile string, store StoreReader) *Manager {
	return &Manager{
		URL:            url,
		LocalFilePath:  localFile,
		Store:          store,
		UpdateInterval: 86400 * time.Second,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Current returns the active snapshot. Safe for concurrent use; returns
// the zero Snapshot if no load has succeeded yet.
func (m *Manager) Current() Snapshot {
	if s, ok := m.current.Load().(Snapshot); ok {
		return s
	}
	return Snapshot{}
}

// LoadNow runs one synchronous load, so a caller that needs the fresh
// snapshot before doing anything else (the reconciler's boot-time
// checkpoint comparison) doesn't have to race the background Run loop.
func (m *Manager) LoadNow() Snapshot {
	m.reload()
	return m.Current()
}

// Run drives the periodic reload loop until ctx is done. It is the one
// long-lived "rule-set updater" background worker. If LoadNow has
// already populated a snapshot, Run's own initial load is skipped so
// startup doesn't fetch the rule set twice. A failed reload is retried
// after failCooldown rather than waiting out the full update interval.
func (m *Manager) Run(ctxDone <-chan struct{}) {
	if _, ok := m.current.Load().(Snapshot); !ok {
		m.reload()
	}
	timer := time.NewTimer(m.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctxDone:
			return
		case <-timer.C:
			m.reload()
			timer.Reset(m.nextDelay())
		}
	}
}

func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastFail.IsZero() {
		return failCooldown
	}
	return m.UpdateInterval
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	defs, err := m.fetchHTTP()
	if err != nil {
		err = poolerr.RuleSource("rule-set: http fetch", err)
		log.Warnf("rule-set HTTP fetch failed, falling back to local file: %v", err)
		defs, err = m.fetchFile()
		if err != nil {
			err = poolerr.RuleSource("rule-set: local file fetch", err)
		}
	}
	if err != nil {
		log.Warnf("rule-set local file fetch failed, falling back to store: %v", err)
		if m.Store != nil {
			defs, err = m.Store.LoadPools()
			if err != nil {
				err = poolerr.RuleSource("rule-set: store fallback", err)
			}
		}
	}
	if err != nil || defs == nil {
		log.Errorf("rule-set reload exhausted all sources, keeping previous snapshot: %v", err)
		m.lastFail = time.Now()
		return
	}

	snap := compile(defs)
	prev := m.Current()
	changed := prev.Hash != snap.Hash
	m.current.Store(snap)
	m.lastFail = time.Time{}

	if changed && m.seenAny && m.OnChange != nil {
		m.OnChange(snap)
	}
	if len(defs) > 0 {
		m.seenAny = true
	}
}

// fetchHTTP implements the 3-attempt, 5s/10s/20s backoff HTTP source load.
func (m *Manager) fetchHTTP() ([]model.PoolDefinition, error) {
	if m.URL == "" {
		return nil, fmt.Errorf("no rule-set URL configured")
	}
	backoffs := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		defs, err := m.httpOnce()
		if err == nil {
			return defs, nil
		}
		lastErr = err
		log.Debugf("rule-set HTTP attempt %d failed: %v", attempt+1, err)
		if attempt < len(backoffs) {
			time.Sleep(backoffs[attempt])
		}
	}
	return nil, lastErr
}

func (m *Manager) httpOnce() ([]model.PoolDefinition, error) {
	req, err := http.NewRequest(http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "poolwatch-ruleset/1.0")

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rule-set source returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parsePoolDefs(body)
}

func (m *Manager) fetchFile() ([]model.PoolDefinition, error) {
	if m.LocalFilePath == "" {
		return nil, fmt.Errorf("no local rule-set fallback file configured")
	}
	body, err := os.ReadFile(m.LocalFilePath)
	if err != nil {
		return nil, err
	}
	return parsePoolDefs(body)
}

func parsePoolDefs(body []byte) ([]model.PoolDefinition, error) {
	var defs []model.PoolDefinition
	if err := json.Unmarshal(body, &defs); err != nil {
		return nil, fmt.Errorf("rule-set: invalid JSON: %w", err)
	}
	return defs, nil
}

// compile pre-compiles the rule set's regexes and computes a stable hash
// over the canonicalized (sorted-key JSON) form so reload-equivalence can
// be checked cheaply. Snapshot.Pools keeps the source's own order: ties
// within an identification tier resolve to whichever pool the rule set
// listed first, so only the hash may use a sorted copy.
func compile(defs []model.PoolDefinition) Snapshot {
	sorted := make([]model.PoolDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	pools := make([]compiledPool, 0, len(defs))
	for _, d := range defs {
		cp := compiledPool{def: normalize(d)}
		for _, pattern := range cp.def.Regexes {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				log.Warnf("rule-set: pool %s has invalid regex %q: %v", d.ID, pattern, err)
				continue
			}
			cp.regexes = append(cp.regexes, re)
		}
		pools = append(pools, cp)
	}

	return Snapshot{Hash: stableHash(sorted), Pools: pools}
}

func normalize(d model.PoolDefinition) model.PoolDefinition {
	if d.Slug == "" {
		d.Slug = strings.ReplaceAll(strings.ToLower(d.Name), " ", "-")
	}
	return d
}

func stableHash(sorted []model.PoolDefinition) string {
	// Canonical form: sorted-key JSON via alphabetically-ordered struct
	// fields, with pools sorted by ID and each pool's addresses sorted, so
	// reordering pools or addresses in the source does not change the
	// hash. Tag and regex lists keep their source order.
	type canonical struct {
		Addresses []string `json:"addresses"`
		ID        string   `json:"id"`
		Link      string   `json:"link"`
		Name      string   `json:"name"`
		Regexes   []string `json:"regexes"`
		Slug      string   `json:"slug"`
		Tags      []string `json:"tags"`
	}
	out := make([]canonical, 0, len(sorted))
	for _, d := range sorted {
		addrs := append([]string(nil), d.Addresses...)
		sort.Strings(addrs)
		out = append(out, canonical{
			ID: d.ID, Name: d.Name, Slug: d.Slug, Link: d.Link,
			Addresses: addrs, Tags: d.Tags, Regexes: d.Regexes,
		})
	}
	b, _ := json.Marshal(out)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
