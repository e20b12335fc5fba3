package shedder

import (
	"context"
	"testing"
	"time"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ThresholdPct:                10,
		HistoryPct:                  0, // no smoothing, use raw usage each tick
		Weights:                     resourceusage.Weights{CPU: 1, Memory: 1, DirectMemory: 1, BandwidthIn: 1, BandwidthOut: 1},
		MinBundleUnloadThroughputMB: 0,
	}
}

func bundleBroker(usage float64, bundles map[string]loaddata.BundleStats) *loaddata.BrokerLoadData {
	b := loaddata.NewBrokerLoadData()
	b.CPU = usage
	for id, stats := range bundles {
		b.Bundles[id] = struct{}{}
		b.LastStats[id] = stats
		b.MsgThroughputIn += stats.MsgThroughputIn
		b.MsgThroughputOut += stats.MsgThroughputOut
	}
	return b
}

func TestThresholdShedderThreeBrokersOneHot(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", bundleBroker(0.9, map[string]loaddata.BundleStats{
		"ns/0x00000000_0x40000000": {MsgThroughputIn: 50 << 20, MsgThroughputOut: 0},
		"ns/0x40000000_0x80000000": {MsgThroughputIn: 10 << 20, MsgThroughputOut: 0},
	})))
	require.NoError(t, store.Push("b2", bundleBroker(0.2, map[string]loaddata.BundleStats{
		"ns/0x80000000_0xc0000000": {MsgThroughputIn: 5 << 20},
	})))
	require.NoError(t, store.Push("b3", bundleBroker(0.2, map[string]loaddata.BundleStats{
		"ns/0xc0000000_0xffffffff": {MsgThroughputIn: 5 << 20},
	})))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, unloads)
	for _, u := range unloads {
		assert.Equal(t, "b1", u.Broker)
	}
}

func TestThresholdShedderColdStartSkipsWhenAverageZero(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", loaddata.NewBrokerLoadData()))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, unloads)
}

func TestThresholdShedderSoleBundleBrokerIsSkipped(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", bundleBroker(0.9, map[string]loaddata.BundleStats{
		"ns/0x00000000_0xffffffff": {MsgThroughputIn: 50 << 20},
	})))
	require.NoError(t, store.Push("b2", bundleBroker(0.1, map[string]loaddata.BundleStats{
		"ns/a": {MsgThroughputIn: 1 << 20},
		"ns/b": {MsgThroughputIn: 1 << 20},
	})))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, unloads)
}

func TestThresholdShedderMinimumThroughputGate(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", bundleBroker(0.9, map[string]loaddata.BundleStats{
		"ns/a": {MsgThroughputIn: 1},
		"ns/b": {MsgThroughputIn: 1},
	})))
	require.NoError(t, store.Push("b2", bundleBroker(0.1, map[string]loaddata.BundleStats{
		"ns/c": {MsgThroughputIn: 1},
	})))

	cfg := testConfig()
	cfg.MinBundleUnloadThroughputMB = 10
	s := New(cfg, nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, unloads)
}

func TestThresholdShedderCooldownExcludesRecentlyUnloaded(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", bundleBroker(0.9, map[string]loaddata.BundleStats{
		"ns/hot":  {MsgThroughputIn: 50 << 20},
		"ns/cool": {MsgThroughputIn: 40 << 20},
	})))
	require.NoError(t, store.Push("b2", bundleBroker(0.1, map[string]loaddata.BundleStats{
		"ns/other": {MsgThroughputIn: 1 << 20},
	})))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{
		Store:            store,
		RecentlyUnloaded: map[string]time.Time{"ns/hot": time.Now()},
		Now:              time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, unloads)
	for _, u := range unloads {
		assert.NotEqual(t, "ns/hot", u.Bundle)
	}
}

func TestThresholdShedderAtLeastOneBundleGuarantee(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	// offload fraction tiny; targetBytes will be nearly 0, but since a
	// victim is owed, the first (highest-throughput) candidate must still
	// be selected rather than returning an empty plan.
	require.NoError(t, store.Push("b1", bundleBroker(0.31, map[string]loaddata.BundleStats{
		"ns/a": {MsgThroughputIn: 5 << 20},
		"ns/b": {MsgThroughputIn: 1 << 20},
	})))
	require.NoError(t, store.Push("b2", bundleBroker(0.1, map[string]loaddata.BundleStats{
		"ns/c": {MsgThroughputIn: 1 << 20},
	})))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, unloads)
	assert.Equal(t, "ns/a", unloads[0].Bundle)
}

func TestThresholdShedderSkipsUnownedLastStatsEntries(t *testing.T) {
	b := loaddata.NewBrokerLoadData()
	b.CPU = 0.9
	b.Bundles["ns/owned"] = struct{}{}
	b.LastStats["ns/owned"] = loaddata.BundleStats{MsgThroughputIn: 10 << 20}
	// a second owned bundle keeps b1 out of the sole-bundle skip, so victim
	// selection (and its ownership filter) actually runs.
	b.Bundles["ns/owned2"] = struct{}{}
	b.LastStats["ns/owned2"] = loaddata.BundleStats{MsgThroughputIn: 5 << 20}
	// stale entry: present in LastStats but no longer owned.
	b.LastStats["ns/stale"] = loaddata.BundleStats{MsgThroughputIn: 90 << 20}
	b.MsgThroughputIn = 15 << 20

	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	require.NoError(t, store.Push("b1", b))
	require.NoError(t, store.Push("b2", bundleBroker(0.1, map[string]loaddata.BundleStats{
		"ns/other": {MsgThroughputIn: 1 << 20},
		"ns/other2": {MsgThroughputIn: 1 << 20},
	})))

	s := New(testConfig(), nil)
	unloads, err := s.Plan(context.Background(), PlanInput{Store: store, Now: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, unloads)
	for _, u := range unloads {
		assert.NotEqual(t, "ns/stale", u.Bundle)
	}
}

func TestDispatchOrderIsDeterministicAndNotPlainLexicographic(t *testing.T) {
	ids := []string{"broker-z", "broker-a", "broker-m"}

	first := DispatchOrder(ids)
	second := DispatchOrder([]string{"broker-m", "broker-z", "broker-a"})
	assert.Equal(t, first, second, "same id set must always produce the same order")
	assert.ElementsMatch(t, ids, first)
	assert.NotEqual(t, []string{"broker-a", "broker-m", "broker-z"}, first, "order must come from the id digests, not from sorting the ids")
}

func TestDispatchOrderEmpty(t *testing.T) {
	assert.Empty(t, DispatchOrder(nil))
}
