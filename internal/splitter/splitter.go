// Package splitter implements the bundle-split strategy of spec §4.4:
// deciding which currently-owned bundles have outgrown a single unit of
// ownership and should be handed to the split pipeline.
package splitter

import (
	"context"
	"sort"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
)

// Criteria mirrors the configured split thresholds of spec §6.
type Criteria struct {
	MaxTopics            int
	MaxSessions          int
	MaxMsgRate           float64 // msgs/s, long-term
	MaxBandwidthBytes     float64 // bytes/s, long-term, in+out combined
	MaxBundlesPerNamespace int
}

// NamespaceService is the subset of the admin surface the split strategy
// needs: how many bundles a namespace currently owns, to enforce the cap
// of spec §4.4.
type NamespaceService interface {
	BundleCount(ctx context.Context, namespace string) (int, error)
}

// Input is everything DefaultBundleSplitStrategy needs for one
// evaluation pass: the bundles currently owned, each bundle's long-term
// telemetry, and each bundle's live topic/session counts.
type Input struct {
	OwnedBundles map[string]struct{}          // bundle id -> membership
	BundleData   map[string]*loaddata.BundleData // bundle id -> long-term/short-term rates
	TopicCounts  map[string]int                // bundle id -> live topic count
	SessionCounts map[string]int               // bundle id -> live session (producer+consumer) count
	Namespace     map[string]string            // bundle id -> owning namespace name
}

// Strategy is implemented by every bundle-split strategy.
type Strategy interface {
	FindBundlesToSplit(ctx context.Context, in Input) ([]string, error)
}

// DefaultBundleSplitStrategy implements spec §4.4: a bundle is a split
// candidate if it has at least two topics and exceeds any one of the
// configured topic/session/rate/bandwidth thresholds, and its namespace has
// not already hit the per-namespace bundle-count cap.
type DefaultBundleSplitStrategy struct {
	criteria Criteria
	ns       NamespaceService
}

// New creates a DefaultBundleSplitStrategy. ns may be nil, in which case
// the namespace bundle-count cap is not enforced (treated as unlimited).
func New(criteria Criteria, ns NamespaceService) *DefaultBundleSplitStrategy {
	return &DefaultBundleSplitStrategy{criteria: criteria, ns: ns}
}

// FindBundlesToSplit implements spec §4.4. The result is a set (no
// duplicate bundle ids), built in a stable order so callers and tests
// see deterministic output.
func (s *DefaultBundleSplitStrategy) FindBundlesToSplit(ctx context.Context, in Input) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	bundles := make([]string, 0, len(in.OwnedBundles))
	for bundle := range in.OwnedBundles {
		bundles = append(bundles, bundle)
	}
	sort.Strings(bundles)

	for _, bundle := range bundles {
		topics := in.TopicCounts[bundle]
		if topics < 2 {
			continue
		}

		// A bundle with no long-term data counts as zero rate and throughput.
		data := in.BundleData[bundle]
		if data == nil {
			data = &loaddata.BundleData{}
		}

		triggered := false
		if s.criteria.MaxTopics > 0 && topics > s.criteria.MaxTopics {
			triggered = true
		}
		if s.criteria.MaxSessions > 0 && in.SessionCounts[bundle] > s.criteria.MaxSessions {
			triggered = true
		}
		if s.criteria.MaxMsgRate > 0 && data.LongTerm.TotalMsgRate > s.criteria.MaxMsgRate {
			triggered = true
		}
		if s.criteria.MaxBandwidthBytes > 0 && data.LongTerm.TotalMsgThroughput > s.criteria.MaxBandwidthBytes {
			triggered = true
		}
		if !triggered {
			continue
		}

		if s.ns != nil && s.criteria.MaxBundlesPerNamespace > 0 {
			namespace := in.Namespace[bundle]
			count, err := s.ns.BundleCount(ctx, namespace)
			if err != nil {
				return nil, err
			}
			if count >= s.criteria.MaxBundlesPerNamespace {
				continue
			}
		}

		if _, dup := seen[bundle]; dup {
			continue
		}
		seen[bundle] = struct{}{}
		out = append(out, bundle)
	}

	return out, nil
}
