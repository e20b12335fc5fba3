// Package shedder implements the unload-strategy pipeline spec §4.3
// describes: given broker telemetry, decide which (broker, bundle) pairs
// to unload. The pipeline is modeled as the sum type spec §9 calls for --
// StrategyKind tags a small, closed set of concrete strategies -- rather
// than an open class hierarchy with a down-casting base adapter.
package shedder

import (
	"bytes"
	"context"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
)

// StrategyKind tags which concrete strategy produced a plan, replacing
// the open class hierarchy spec §9 flags for replacement.
type StrategyKind string

const ThresholdStrategyKind StrategyKind = "threshold"

// Unload is a single (broker, bundle) unload proposal.
type Unload struct {
	Broker string
	Bundle string
}

// PlanInput is everything a strategy needs to produce a plan for one
// tick: the load-data store, a snapshot of the recently-unloaded cooldown
// map, and the tick's logical "now".
type PlanInput struct {
	Store            *loaddata.Store[*loaddata.BrokerLoadData]
	RecentlyUnloaded map[string]time.Time
	Now              time.Time
}

// Strategy is implemented by every unload strategy in the pipeline.
type Strategy interface {
	Kind() StrategyKind
	Plan(ctx context.Context, in PlanInput) ([]Unload, error)
}

// Config holds the ThresholdShedder's configuration, matching the keys
// named in spec §6.
type Config struct {
	ThresholdPct                float64 // e.g. 10 for 10%
	HistoryPct                  float64 // EWMA weight of history, in [0,1]
	Weights                     resourceusage.Weights
	MinBundleUnloadThroughputMB float64
}

// ThresholdShedder is the weighted-resource running-average comparator of
// spec §4.3: it flags brokers exceeding the fleet mean by the configured
// margin and greedily selects victim bundles to unload from them.
//
// The smoothed-usage map is scheduler-scoped state (spec §9): it persists
// across ticks and must only be mutated from the scheduler's single tick
// goroutine -- ThresholdShedder itself applies no additional locking.
type ThresholdShedder struct {
	cfg       Config
	evaluator *resourceusage.Evaluator
	logger    *logging.Logger

	smoothed map[string]float64
}

// New creates a ThresholdShedder with an empty smoothed-usage map.
func New(cfg Config, logger *logging.Logger) *ThresholdShedder {
	return &ThresholdShedder{
		cfg:       cfg,
		evaluator: resourceusage.New(cfg.Weights, logger),
		logger:    logger,
		smoothed:  make(map[string]float64),
	}
}

func (s *ThresholdShedder) Kind() StrategyKind { return ThresholdStrategyKind }

// Plan implements spec §4.3 steps 1-5.
func (s *ThresholdShedder) Plan(ctx context.Context, in PlanInput) ([]Unload, error) {
	brokers := make(map[string]*loaddata.BrokerLoadData)
	in.Store.ForEach(func(key string, v *loaddata.BrokerLoadData) {
		brokers[key] = v
	})

	// Step 1: update smoothed usages and accumulate the fleet total.
	var total float64
	var n int
	for id, b := range brokers {
		u := s.evaluator.MaxResourceUsage(b)
		h, had := s.smoothed[id]
		var next float64
		if !had {
			next = u
		} else {
			next = h*s.cfg.HistoryPct + (1-s.cfg.HistoryPct)*u
		}
		s.smoothed[id] = next
		total += next
		n++
	}

	// Step 2: fleet average; a zero average is a hard gate (cold start).
	var avg float64
	if n > 0 {
		avg = total / float64(n)
	}
	if avg == 0 {
		if s.logger != nil && s.logger.Sampled("threshold-shedder-cold-start") {
			s.logger.Warn("fleet average usage is zero, skipping shedding tick", nil)
		}
		return nil, nil
	}

	var unloads []Unload
	threshold := s.cfg.ThresholdPct / 100

	// brokers are walked in a stable order so ties resolve deterministically
	// within a tick, as spec §4.3's invariants require.
	ids := make([]string, 0, len(brokers))
	for id := range brokers {
		ids = append(ids, id)
	}
	ids = DispatchOrder(ids)

	for _, id := range ids {
		b := brokers[id]
		cur := s.smoothed[id]

		// Step 3: per-broker decision.
		if cur < avg+threshold {
			continue
		}
		offloadFraction := cur - avg - threshold + 0.05
		curThroughput := b.MsgThroughputIn + b.MsgThroughputOut
		targetBytes := curThroughput * offloadFraction
		minBytes := s.cfg.MinBundleUnloadThroughputMB * (1 << 20)
		if targetBytes < minBytes {
			continue
		}

		// Step 4: victim selection.
		victims := s.selectVictims(id, b, in.RecentlyUnloaded, targetBytes)
		unloads = append(unloads, victims...)
	}

	return unloads, nil
}

// DispatchOrder returns ids in a deterministic order derived from the
// blake2b-256 digest of each id rather than plain lexicographic order --
// spec §5 leaves cross-broker dispatch order unspecified, but a reproducible
// order makes a tick's behavior replayable from its logs regardless of
// broker-naming conventions. Ties (a digest collision) fall back to the id
// itself so the order is always total.
func DispatchOrder(ids []string) []string {
	type digested struct {
		id     string
		digest [blake2b.Size256]byte
	}
	keyed := make([]digested, len(ids))
	for i, id := range ids {
		keyed[i] = digested{id: id, digest: blake2b.Sum256([]byte(id))}
	}
	sort.Slice(keyed, func(i, j int) bool {
		if c := bytes.Compare(keyed[i].digest[:], keyed[j].digest[:]); c != 0 {
			return c < 0
		}
		return keyed[i].id < keyed[j].id
	})
	out := make([]string, len(keyed))
	for i, k := range keyed {
		out[i] = k.id
	}
	return out
}

func (s *ThresholdShedder) selectVictims(brokerID string, b *loaddata.BrokerLoadData, recentlyUnloaded map[string]time.Time, targetBytes float64) []Unload {
	if len(b.Bundles) == 0 {
		if s.logger != nil {
			s.logger.Warn("overloaded broker owns zero bundles", map[string]any{"broker": brokerID})
		}
		return nil
	}
	if len(b.Bundles) == 1 {
		if s.logger != nil {
			s.logger.Warn("HIGH USAGE: sole-bundle broker cannot shed by unload", map[string]any{"broker": brokerID})
		}
		return nil
	}

	type candidate struct {
		bundle     string
		throughput float64
	}
	var candidates []candidate
	for bundle, stats := range b.LastStats {
		if _, cooling := recentlyUnloaded[bundle]; cooling {
			continue
		}
		if !b.OwnsBundle(bundle) {
			continue
		}
		candidates = append(candidates, candidate{bundle: bundle, throughput: stats.Throughput()})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].throughput > candidates[j].throughput
	})

	var (
		out                    []Unload
		trafficMarkedToOffload float64
		atLeastOneSelected     bool
	)
	for _, c := range candidates {
		if trafficMarkedToOffload >= targetBytes && atLeastOneSelected {
			break
		}
		out = append(out, Unload{Broker: brokerID, Bundle: c.bundle})
		trafficMarkedToOffload += c.throughput
		atLeastOneSelected = true
	}
	return out
}
