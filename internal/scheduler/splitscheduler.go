package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/loadshed/internal/bundleid"
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/splitter"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
	"github.com/khryptorgraphics/loadshed/pkg/metrics"
)

// SplitConfig holds the split scheduler's own tunables, sharing
// Enabled/TickInterval's meaning with Config but gated by a distinct
// enable flag (spec §4.4 is independent of shedding).
type SplitConfig struct {
	Enabled      bool
	TickInterval time.Duration
}

// SplitScheduler runs DefaultBundleSplitStrategy on the same leader-gated
// cadence as UnloadScheduler, but only emits a candidate set -- spec §4.5
// step 5 scopes dispatch of the split RPC out of this module.
type SplitScheduler struct {
	cfg      SplitConfig
	store    *loaddata.Store[*loaddata.BrokerLoadData]
	bundles  *loaddata.Store[*loaddata.BundleData]
	leader   LeaderElection
	strategy splitter.Strategy
	logger   *logging.Logger
	metrics  *metrics.Registry

	mu         sync.Mutex
	candidates []string

	tickMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewSplitScheduler creates a SplitScheduler. bundles holds the long-term
// per-bundle rate view (spec §3); store holds the per-broker ownership
// and short-term per-bundle stats used to derive topic/session counts.
func NewSplitScheduler(cfg SplitConfig, store *loaddata.Store[*loaddata.BrokerLoadData], bundles *loaddata.Store[*loaddata.BundleData], leader LeaderElection, strategy splitter.Strategy, logger *logging.Logger, metricsReg *metrics.Registry) *SplitScheduler {
	return &SplitScheduler{
		cfg:      cfg,
		store:    store,
		bundles:  bundles,
		leader:   leader,
		strategy: strategy,
		logger:   logger,
		metrics:  metricsReg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives Execute on a fixed-delay ticker until ctx is canceled or
// Stop is called.
func (s *SplitScheduler) Run(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Execute(ctx)
		}
	}
}

// Stop signals Run to exit after its current tick, and blocks until it has.
func (s *SplitScheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Candidates returns the bundle ids proposed for split on the last tick.
func (s *SplitScheduler) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// Execute runs one tick: gate checks, input assembly from the two
// telemetry stores, strategy evaluation, candidate publication.
func (s *SplitScheduler) Execute(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	log := s.logger
	if log != nil {
		log = log.With(map[string]any{"correlation_id": uuid.NewString()})
	}

	if !s.cfg.Enabled {
		s.tickOutcome("disabled")
		return
	}
	if s.leader == nil || !s.leader.IsLeader() {
		s.tickOutcome("not_leader")
		return
	}
	s.tickOutcome("ran")

	in := splitter.Input{
		OwnedBundles:  make(map[string]struct{}),
		BundleData:    make(map[string]*loaddata.BundleData),
		TopicCounts:   make(map[string]int),
		SessionCounts: make(map[string]int),
		Namespace:     make(map[string]string),
	}

	s.store.ForEach(func(_ string, b *loaddata.BrokerLoadData) {
		for bundle := range b.Bundles {
			in.OwnedBundles[bundle] = struct{}{}
			if stats, ok := b.LastStats[bundle]; ok {
				in.TopicCounts[bundle] = stats.Topics
				in.SessionCounts[bundle] = stats.Producers + stats.Consumers
			}
			if ns, err := bundleid.Namespace(bundle); err == nil {
				in.Namespace[bundle] = ns
			}
		}
	})

	if s.bundles != nil {
		s.bundles.ForEach(func(bundle string, data *loaddata.BundleData) {
			in.BundleData[bundle] = data
		})
	}

	candidates, err := s.strategy.FindBundlesToSplit(ctx, in)
	if err != nil {
		if log != nil {
			log.Warn("split strategy failed, keeping previous candidate set", map[string]any{"error": err.Error()})
		}
		return
	}

	s.mu.Lock()
	s.candidates = candidates
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SplitCandidates.Set(float64(len(candidates)))
	}
	if log != nil && len(candidates) > 0 && log.Sampled("split-candidates-found") {
		log.Info("bundles proposed for split", map[string]any{"count": len(candidates)})
	}
}

func (s *SplitScheduler) tickOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues("split", outcome).Inc()
	}
}
