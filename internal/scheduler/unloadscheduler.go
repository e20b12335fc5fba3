// Package scheduler drives the leader-gated, periodic unload pipeline of
// spec §4.5: gate checks, cooldown expiry, strategy execution, and
// dispatch through the admin client.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/loadshed/internal/bundleid"
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/shedder"
	"github.com/khryptorgraphics/loadshed/pkg/adminclient"
	"github.com/khryptorgraphics/loadshed/pkg/errors"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
	"github.com/khryptorgraphics/loadshed/pkg/metrics"
)

// LeaderElection reports whether the local broker currently holds
// leadership. A nil implementation is treated as "never leader" per
// spec §6.
type LeaderElection interface {
	IsLeader() bool
}

// BrokerRegistry reports the set of brokers currently visible to the
// cluster, used for the "fewer than 2 brokers" gate of spec §4.5.
type BrokerRegistry interface {
	AvailableBrokers(ctx context.Context) (map[string]struct{}, error)
}

// Config holds the scheduler's own tunables, matching the keys spec §6
// names under the loadbalancer: section.
type Config struct {
	Enabled         bool
	SheddingEnabled bool
	TickInterval    time.Duration
	GracePeriod     time.Duration
	CallTimeout     time.Duration // per-call timeout for admin RPCs; default 10s
}

// DefaultCallTimeout is applied when Config.CallTimeout is unset.
const DefaultCallTimeout = 10 * time.Second

// UnloadScheduler implements spec §4.5: a single logical, non-overlapping
// ticker on the leader that runs the strategy pipeline and dispatches
// proposals through the admin client.
//
// The smoothed-usage state lives inside the strategies themselves; the
// recently-unloaded cooldown map is owned here, mutated only on the tick
// goroutine, matching spec §5's shared-resource rules.
type UnloadScheduler struct {
	cfg        Config
	store      *loaddata.Store[*loaddata.BrokerLoadData]
	leader     LeaderElection
	registry   BrokerRegistry
	admin      adminclient.AdminClient
	strategies []shedder.Strategy
	logger     *logging.Logger
	metrics    *metrics.Registry

	mu               sync.Mutex
	recentlyUnloaded map[string]time.Time

	tickMu sync.Mutex // serializes ticks; a slow tick blocks the next, never overlaps it

	stop chan struct{}
	done chan struct{}
}

// New creates an UnloadScheduler. logger and metricsReg may be nil.
func New(cfg Config, store *loaddata.Store[*loaddata.BrokerLoadData], leader LeaderElection, registry BrokerRegistry, admin adminclient.AdminClient, strategies []shedder.Strategy, logger *logging.Logger, metricsReg *metrics.Registry) *UnloadScheduler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &UnloadScheduler{
		cfg:              cfg,
		store:            store,
		leader:           leader,
		registry:         registry,
		admin:            admin,
		strategies:       strategies,
		logger:           logger,
		metrics:          metricsReg,
		recentlyUnloaded: make(map[string]time.Time),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Run drives Execute on a fixed-delay ticker until the context is
// canceled or Stop is called. Late ticks are coalesced: Execute is never
// invoked concurrently with itself (spec §5).
func (s *UnloadScheduler) Run(ctx context.Context) {
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

// Stop signals Run to exit after its current tick, and blocks until it
// has. Calling Stop before Run blocks until Run is called; that Run call
// then returns without ticking.
func (s *UnloadScheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Execute runs one tick of the scheduler: gate checks, cooldown expiry,
// strategy pipeline, dispatch. Safe to call directly (e.g. from tests or
// an explicit trigger) as well as from Run's ticker.
func (s *UnloadScheduler) Execute(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	// Every tick gets its own correlation id, stamped on every log line it
	// produces (including its dispatches), so a single tick's activity can
	// be grepped out of a multi-broker log stream.
	log := s.logger
	if log != nil {
		log = log.With(map[string]any{"correlation_id": uuid.NewString()})
	}

	// Step 1: gate checks, in order.
	if !s.cfg.Enabled || !s.cfg.SheddingEnabled {
		s.tickOutcome("disabled")
		return
	}
	if s.leader == nil || !s.leader.IsLeader() {
		s.tickOutcome("not_leader")
		return
	}
	if s.registry != nil {
		brokers, err := s.registry.AvailableBrokers(ctx)
		if err != nil {
			if log != nil {
				log.Warn("failed to query broker registry, skipping tick", map[string]any{"error": err.Error()})
			}
			s.tickOutcome("registry_error")
			return
		}
		if s.metrics != nil {
			s.metrics.BrokersVisible.Set(float64(len(brokers)))
		}
		if len(brokers) < 2 {
			if log != nil && log.Sampled("scheduler-too-few-brokers") {
				log.Info("fewer than 2 brokers visible, skipping shedding tick", map[string]any{"broker_count": len(brokers)})
			}
			s.tickOutcome("too_few_brokers")
			return
		}
	}
	s.tickOutcome("ran")

	now := time.Now()

	// Step 2: expire cooldowns.
	s.mu.Lock()
	grace := s.cfg.GracePeriod
	for bundle, at := range s.recentlyUnloaded {
		if now.Sub(at) >= grace {
			delete(s.recentlyUnloaded, bundle)
		}
	}
	cooldownSnapshot := make(map[string]time.Time, len(s.recentlyUnloaded))
	for k, v := range s.recentlyUnloaded {
		cooldownSnapshot[k] = v
	}
	cooldownLen := len(s.recentlyUnloaded)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecentlyUnloadedLen.Set(float64(cooldownLen))
	}

	// Step 3: run the strategy pipeline.
	var proposals []shedder.Unload
	for _, strat := range s.strategies {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		plan, err := strat.Plan(callCtx, shedder.PlanInput{
			Store:            s.store,
			RecentlyUnloaded: cooldownSnapshot,
			Now:              now,
		})
		cancel()
		if err != nil {
			if log != nil {
				log.Warn("strategy plan failed, skipping its proposals this tick", map[string]any{"strategy": string(strat.Kind()), "error": err.Error()})
			}
			continue
		}
		proposals = append(proposals, plan...)
	}

	// Step 4: dispatch, grouped by broker and sequential per broker, in the
	// deterministic blake2b tie-break order shedder.DispatchOrder produces.
	byBroker := make(map[string][]shedder.Unload)
	var brokerIDs []string
	for _, p := range proposals {
		if _, seen := byBroker[p.Broker]; !seen {
			brokerIDs = append(brokerIDs, p.Broker)
		}
		byBroker[p.Broker] = append(byBroker[p.Broker], p)
	}

	for _, broker := range shedder.DispatchOrder(brokerIDs) {
		for _, u := range byBroker[broker] {
			s.dispatchOne(ctx, log, u, now)
		}
	}
}

func (s *UnloadScheduler) dispatchOne(ctx context.Context, log *logging.Logger, u shedder.Unload, now time.Time) {
	namespace, bundleRange, err := bundleid.Split(u.Bundle)
	if err != nil {
		if log != nil {
			log.Error("malformed bundle id, skipping dispatch", err, map[string]any{"bundle": u.Bundle})
		}
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err = s.admin.UnloadNamespaceBundle(callCtx, namespace, bundleRange); err != nil {
		dispatchErr := errors.New("UnloadScheduler.dispatchOne", "unload dispatch failed, will retry on a later tick").
			WithKind(errors.TransientIO).WithBroker(u.Broker).WithBundle(u.Bundle).WithCause(err).Build()
		if s.metrics != nil {
			s.metrics.UnloadsFailed.WithLabelValues(string(errors.TransientIO)).Inc()
			s.metrics.UnloadsDispatched.WithLabelValues("failure").Inc()
		}
		if log != nil {
			log.Warn(dispatchErr.Message, map[string]any{"broker": u.Broker, "bundle": u.Bundle, "error": dispatchErr.Error()})
		}
		return
	}

	if s.metrics != nil {
		s.metrics.UnloadsDispatched.WithLabelValues("success").Inc()
	}
	s.mu.Lock()
	s.recentlyUnloaded[u.Bundle] = now
	s.mu.Unlock()
}

// Cooldowns returns a snapshot of bundles currently excluded from
// unload consideration, keyed by the time they were last unloaded.
func (s *UnloadScheduler) Cooldowns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.recentlyUnloaded))
	for k, v := range s.recentlyUnloaded {
		out[k] = v
	}
	return out
}

func (s *UnloadScheduler) tickOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues("unload", outcome).Inc()
	}
}
