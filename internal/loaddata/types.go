// Package loaddata implements the replicated key->value view of
// per-broker and per-bundle telemetry (spec §3, §4.1): the store
// abstraction plus the BrokerLoadData and BundleData shapes it holds.
package loaddata

import "time"

// BundleStats is the short-term per-bundle snapshot a broker reports
// inside its own BrokerLoadData.LastStats.
type BundleStats struct {
	Topics           int
	Producers        int
	Consumers        int
	MsgThroughputIn  float64 // bytes/s
	MsgThroughputOut float64 // bytes/s
}

// Throughput returns the combined in+out throughput, the figure the
// shedder sorts victim candidates by.
func (s BundleStats) Throughput() float64 {
	return s.MsgThroughputIn + s.MsgThroughputOut
}

// BrokerLoadData is one broker's self-reported snapshot (spec §3).
// Usage fields are nominally in [0.0, 1.0] but values above 1.0 are
// possible from a misconfigured limit and must be sanitized by the
// resource-usage evaluator rather than trusted as-is.
type BrokerLoadData struct {
	CPU          float64
	Memory       float64
	DirectMemory float64
	BandwidthIn  float64
	BandwidthOut float64

	MsgThroughputIn  float64
	MsgThroughputOut float64

	// Bundles is the set of bundle ids this broker currently owns.
	Bundles map[string]struct{}

	// LastStats maps bundle id -> short-term per-bundle stats. Its keys
	// are a subset of Bundles union previously-owned-but-not-yet-expired
	// bundles; the scheduler must not assume every LastStats key is
	// still owned.
	LastStats map[string]BundleStats

	LastReportTime time.Time
}

// NewBrokerLoadData returns a zero-value BrokerLoadData with its maps
// initialized, ready to be populated by a reporter.
func NewBrokerLoadData() *BrokerLoadData {
	return &BrokerLoadData{
		Bundles:   make(map[string]struct{}),
		LastStats: make(map[string]BundleStats),
	}
}

// OwnsBundle reports whether bundle is a member of Bundles -- the
// membership check spec §9's open question resolves in favor of (the
// shedder filters lastStats entries by this, not by LastStats alone).
func (b *BrokerLoadData) OwnsBundle(bundle string) bool {
	_, ok := b.Bundles[bundle]
	return ok
}

// Rate is one smoothed reading of a bundle's message rate and throughput;
// BundleData holds a long-term (hours-scale) and a short-term
// (minutes-scale) Rate.
type Rate struct {
	TotalMsgRate       float64
	TotalMsgThroughput float64
}

// BundleData is the long-term and short-term time-averaged view of a
// single bundle (spec §3). Only LongTerm is consulted by the split
// strategy; ShortTerm exists for completeness / future strategies.
type BundleData struct {
	LongTerm  Rate
	ShortTerm Rate
}
