package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/loadshed/internal/adminapi"
	"github.com/khryptorgraphics/loadshed/internal/config"
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/khryptorgraphics/loadshed/internal/scheduler"
	"github.com/khryptorgraphics/loadshed/internal/shedder"
	"github.com/khryptorgraphics/loadshed/internal/splitter"
	"github.com/khryptorgraphics/loadshed/pkg/adminclient"
	"github.com/khryptorgraphics/loadshed/pkg/consensus"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
	"github.com/khryptorgraphics/loadshed/pkg/metrics"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the load-shedding scheduler and introspection API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(&logging.Config{
		Level:       parseLevel(cfg.Logging.Level),
		Format:      logging.Format(cfg.Logging.Format),
		Output:      os.Stderr,
		Service:     "loadshedctl",
		SampleEvery: cfg.Logging.SampleEvery,
	})

	metricsReg := metrics.NewRegistry(prometheus.NewRegistry())

	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	admin := adminclient.NewFake() // real admin RPC transport is an outer-adapter concern (spec §1)

	lb := cfg.LoadBalancer
	evaluator := resourceusage.New(resourceusage.Weights{
		CPU: lb.CPUResourceWeight, Memory: lb.MemoryResourceWeight, DirectMemory: lb.DirectMemoryResourceWeight,
		BandwidthIn: lb.BandwidthInResourceWeight, BandwidthOut: lb.BandwidthOutResourceWeight,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A raft engine is only started when this node has a bind address and is
	// configured to bootstrap a cluster; otherwise every tick runs as if
	// leader, the sane default for a single-broker deployment or a local dry
	// run.
	var leader scheduler.LeaderElection = alwaysLeader{}
	var registry scheduler.BrokerRegistry
	var splitLeader scheduler.LeaderElection = alwaysLeader{}
	var leadership *consensus.LeadershipHistory
	if cfg.Consensus.BindAddr != "" && cfg.Consensus.Bootstrap {
		nodeID := peer.ID(cfg.Node.ID)
		raftEngine, err := consensus.NewEngine(&cfg.Consensus, nodeID)
		if err != nil {
			return fmt.Errorf("starting consensus engine: %w", err)
		}
		if err := raftEngine.Start(); err != nil {
			return fmt.Errorf("starting raft: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = raftEngine.Shutdown(shutdownCtx)
		}()
		leader, registry, splitLeader = raftEngine, raftEngine, raftEngine
		leadership = consensus.WatchLeadership(raftEngine.LeadershipChanges())

		// A raft leader whose own weighted resource usage reaches
		// BrokerThresholdShedderPercentage, read here as an absolute
		// fraction rather than as a margin over the fleet average, hands
		// leadership to the least-loaded current voter that is less loaded
		// than itself.
		go watchLeadershipLoad(ctx, raftEngine, store, evaluator, lb.TickInterval, lb.BrokerThresholdShedderPercentage/100)
	}

	strategies := []shedder.Strategy{
		shedder.New(shedder.Config{
			ThresholdPct: lb.BrokerThresholdShedderPercentage,
			HistoryPct:   lb.HistoryResourcePercentage,
			Weights: resourceusage.Weights{
				CPU:          lb.CPUResourceWeight,
				Memory:       lb.MemoryResourceWeight,
				DirectMemory: lb.DirectMemoryResourceWeight,
				BandwidthIn:  lb.BandwidthInResourceWeight,
				BandwidthOut: lb.BandwidthOutResourceWeight,
			},
			MinBundleUnloadThroughputMB: lb.BundleUnloadMinThroughputThresholdMB,
		}, logger),
	}

	sched := scheduler.New(scheduler.Config{
		Enabled:         lb.Enabled,
		SheddingEnabled: lb.SheddingEnabled,
		TickInterval:    lb.TickInterval,
		GracePeriod:     time.Duration(lb.SheddingGracePeriodMinutes) * time.Minute,
		CallTimeout:     lb.CallTimeout,
	}, store, leader, registry, admin, strategies, logger, metricsReg)

	bundleStore := loaddata.NewStore[*loaddata.BundleData]()
	splitStrategy := splitter.New(splitter.Criteria{
		MaxTopics:              lb.NamespaceBundleMaxTopics,
		MaxSessions:            lb.NamespaceBundleMaxSessions,
		MaxMsgRate:             lb.NamespaceBundleMaxMsgRate,
		MaxBandwidthBytes:      lb.NamespaceBundleMaxBandwidthMB * (1 << 20),
		MaxBundlesPerNamespace: lb.NamespaceMaximumBundles,
	}, admin)
	splitSched := scheduler.NewSplitScheduler(scheduler.SplitConfig{
		Enabled:      lb.SplitEnabled,
		TickInterval: lb.TickInterval,
	}, store, bundleStore, splitLeader, splitStrategy, logger, metricsReg)

	go sched.Run(ctx)
	go splitSched.Run(ctx)

	var api *adminapi.Server
	if cfg.AdminAPI.Enabled {
		api = adminapi.New(adminapi.Config{
			Listen:             cfg.AdminAPI.Listen,
			JWTSigningKey:      cfg.AdminAPI.JWTSigningKey,
			TokenExpiry:        cfg.AdminAPI.TokenExpiry,
			CORSAllowedOrigins: cfg.AdminAPI.CORSAllowedOrigins,
			RateLimitPerSecond: cfg.AdminAPI.RateLimitPerSecond,
			RateLimitBurst:     cfg.AdminAPI.RateLimitBurst,
		}, store, evaluator, sched.Cooldowns, splitSched.Candidates, leadership, logger)

		go func() {
			if err := api.ListenAndServe(ctx); err != nil {
				logger.Error("admin API stopped", err, nil)
			}
		}()
	}

	colorStatus(true, "serving on %s (admin API: %v)", cfg.Consensus.BindAddr, cfg.AdminAPI.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	colorStatus(true, "shutting down")
	cancel()
	sched.Stop()
	splitSched.Stop()

	return nil
}

// alwaysLeader is the scheduler.LeaderElection used when no raft engine
// is wired up (e.g. single-node runs): every tick is treated as leader.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

// watchLeadershipLoad periodically offers this node's raft leadership to a
// less-loaded voter via consensus.Engine.ConsiderLeadershipTransfer, on the
// same cadence the shedding scheduler ticks on, until ctx is canceled.
func watchLeadershipLoad(ctx context.Context, engine *consensus.Engine, store *loaddata.Store[*loaddata.BrokerLoadData], evaluator *resourceusage.Evaluator, interval time.Duration, threshold float64) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			brokers := make(map[string]*loaddata.BrokerLoadData)
			store.ForEach(func(id string, b *loaddata.BrokerLoadData) {
				brokers[id] = b
			})
			_ = engine.ConsiderLeadershipTransfer(brokers, evaluator, threshold)
		}
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	case "fatal":
		return logging.LevelFatal
	default:
		return logging.LevelInfo
	}
}
