// Command poolwatch runs the Stratum fleet watcher: one client per
// configured pool endpoint, a chain reconciler following the node via
// RPC and ZMQ, a reloadable pool rule set, and a fan-out publisher —
// wired together and run until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/poolwatch/analysis"
	"github.com/toole-brendan/poolwatch/bus"
	"github.com/toole-brendan/poolwatch/chainwatch"
	"github.com/toole-brendan/poolwatch/chainwatch/checkpoint"
	"github.com/toole-brendan/poolwatch/coinbase"
	"github.com/toole-brendan/poolwatch/internal/config"
	"github.com/toole-brendan/poolwatch/internal/poolerr"
	"github.com/toole-brendan/poolwatch/internal/poollog"
	"github.com/toole-brendan/poolwatch/model"
	"github.com/toole-brendan/poolwatch/rules"
	"github.com/toole-brendan/poolwatch/store"
	"github.com/toole-brendan/poolwatch/stratum"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "poolwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return poolerr.Fatal("boot: load config", err)
	}

	if cfg.LogDir != "" {
		logFile := cfg.LogDir + "/poolwatch.log"
		if err := poollog.InitRotatingFile(logFile, 10*1024, 3); err != nil {
			return poolerr.Fatal("boot: init log file", err)
		}
	}
	log := poollog.Logger("PLWT")
	stratum.UseLogger(poollog.Logger(poollog.SubsystemStratum))
	chainwatch.UseLogger(poollog.Logger(poollog.SubsystemChainwatch))
	rules.UseLogger(poollog.Logger(poollog.SubsystemRules))
	bus.UseLogger(poollog.Logger(poollog.SubsystemBus))
	store.UseLogger(poollog.Logger(poollog.SubsystemStore))
	analysis.UseLogger(poollog.Logger(poollog.SubsystemAnalysis))
	coinbase.UseLogger(poollog.Logger(poollog.SubsystemAnalysis))
	if level, ok := btclog.LevelFromString(cfg.LogLevel); ok {
		poollog.SetLevels(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	endpoints, err := config.ParseEndpointsEnv(os.Getenv("POOLWATCH_ENDPOINTS"))
	if err != nil {
		return poolerr.Fatal("boot: parse endpoints", err)
	}

	mongo, err := store.Connect(ctx, store.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
	if err != nil {
		return poolerr.Fatal("boot: connect mongo", err)
	}
	defer mongo.Close(context.Background())

	if cfg.Stats {
		return runStatsReport(ctx, mongo)
	}

	cp, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return poolerr.Fatal("boot: open checkpoint", err)
	}
	defer cp.Close()

	busPublisher := bus.NewPublisher(bus.Config{
		URL:          cfg.BusURL,
		ExchangeName: cfg.BusExchange,
		Heartbeat:    cfg.BusHeartbeat,
		DialTimeout:  cfg.BusDialTimeout,
	})
	go busPublisher.Run(ctx)

	rulesMgr := rules.NewManager(cfg.RuleSetURL, cfg.RuleSetLocalFile, mongo.Pools())
	rulesMgr.UpdateInterval = cfg.RuleSetUpdateInterval

	templates := mongo.Templates()
	sink := &templateSink{templates: templates, pub: busPublisher}

	fatalCh := make(chan error, len(endpoints)+1)

	for _, epCfg := range endpoints {
		ep := model.Endpoint{
			URL:          fmt.Sprintf("stratum+tcp://%s:%d", epCfg.Host, epCfg.Port),
			Host:         epCfg.Host,
			Port:         epCfg.Port,
			User:         epCfg.User,
			Pass:         epCfg.Pass,
			PoolName:     epCfg.PoolName,
			Socks5Host:   epCfg.Socks5Host,
			Socks5Port:   epCfg.Socks5Port,
			ProxyEnabled: epCfg.ProxyEnabled,
			ProxyPort:    epCfg.ProxyPort,
			KeepAlive:    epCfg.KeepAlive,
			MaxRetries:   epCfg.MaxRetries,
			RetryDelay:   epCfg.RetryDelay,
		}
		client := stratum.NewClient(ep, sink)
		go func() {
			if err := client.Run(ctx); err != nil {
				fatalCh <- err
			}
		}()
	}

	if cfg.HistoricalData {
		chainwatch.MinBlockHeight = cfg.MinBlockHeight
		reconciler := chainwatch.NewReconciler(
			chainwatch.RPCConfig{
				Host:       cfg.RPCHost,
				User:       cfg.RPCUser,
				Pass:       cfg.RPCPass,
				DisableTLS: cfg.RPCDisableTLS,
				Timeout:    cfg.RPCTimeout,
			},
			cfg.ZMQEndpoint,
			mongo.Blocks(),
			templates,
			busPublisher,
			rulesMgr,
			cp,
		)
		if cfg.ReindexBlocks {
			log.Info("boot reindex requested, running in background")
			go reconciler.ReindexNow(ctx)
		}

		go func() {
			if err := reconciler.Run(ctx); err != nil {
				fatalCh <- err
			}
		}()
	} else {
		go rulesMgr.Run(ctx.Done())
	}

	log.Info("poolwatch running")
	defer log.Info("poolwatch shutting down")
	select {
	case <-ctx.Done():
		return nil
	case err := <-fatalCh:
		cancel()
		return err
	}
}

// runStatsReport implements the --stats CLI path: a one-shot per-pool
// block-count rollup over every persisted block, printed to stdout.
func runStatsReport(ctx context.Context, mongo *store.Client) error {
	records, err := mongo.Blocks().AllDescending(ctx)
	if err != nil {
		return fmt.Errorf("stats: loading blocks: %w", err)
	}

	share := analysis.RecentPoolShare(records)
	names := make([]string, 0, len(share))
	for name := range share {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if share[names[i]] != share[names[j]] {
			return share[names[i]] > share[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Printf("pool share over %d persisted blocks:\n", len(records))
	for _, name := range names {
		fmt.Printf("  %-20s %d\n", name, share[name])
	}
	return nil
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	cancel()
}

// templateSink persists every captured NotifyTemplate and republishes it
// onto the fan-out bus, implementing stratum.Sink.
type templateSink struct {
	templates *store.Templates
	pub       *bus.Publisher
}

func (s *templateSink) EmitTemplate(t model.NotifyTemplate) {
	ctx := context.Background()
	if err := s.templates.Insert(ctx, t); err != nil {
		poollog.Logger(poollog.SubsystemStratum).Warnf("persisting template %s: %v", t.ID, err)
	}
	if err := s.pub.PublishTemplate(ctx, t); err != nil {
		poollog.Logger(poollog.SubsystemStratum).Warnf("publishing template %s: %v", t.ID, err)
	}
}
