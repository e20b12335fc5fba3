package scheduler

import (
	"context"
	"testing"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/splitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSchedulerSkipsWhenDisabled(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	bundles := loaddata.NewStore[*loaddata.BundleData]()
	strat := splitter.New(splitter.Criteria{MaxMsgRate: 10}, nil)
	s := NewSplitScheduler(SplitConfig{Enabled: false}, store, bundles, fakeLeader{true}, strat, nil, nil)

	s.Execute(context.Background())
	assert.Empty(t, s.Candidates())
}

func TestSplitSchedulerSkipsWhenNotLeader(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	bundles := loaddata.NewStore[*loaddata.BundleData]()
	strat := splitter.New(splitter.Criteria{MaxMsgRate: 10}, nil)
	s := NewSplitScheduler(SplitConfig{Enabled: true}, store, bundles, fakeLeader{false}, strat, nil, nil)

	s.Execute(context.Background())
	assert.Empty(t, s.Candidates())
}

func TestSplitSchedulerProposesOverloadedBundle(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	broker := loaddata.NewBrokerLoadData()
	broker.Bundles["tenant/ns/a"] = struct{}{}
	broker.LastStats["tenant/ns/a"] = loaddata.BundleStats{Topics: 5, Producers: 10, Consumers: 10}
	require.NoError(t, store.Push("b1", broker))

	bundles := loaddata.NewStore[*loaddata.BundleData]()
	require.NoError(t, bundles.Push("tenant/ns/a", &loaddata.BundleData{LongTerm: loaddata.Rate{TotalMsgRate: 5000}}))

	strat := splitter.New(splitter.Criteria{MaxMsgRate: 100}, nil)
	s := NewSplitScheduler(SplitConfig{Enabled: true}, store, bundles, fakeLeader{true}, strat, nil, nil)

	s.Execute(context.Background())
	assert.Equal(t, []string{"tenant/ns/a"}, s.Candidates())
}

func TestSplitSchedulerIgnoresSingleTopicBundle(t *testing.T) {
	store := loaddata.NewStore[*loaddata.BrokerLoadData]()
	broker := loaddata.NewBrokerLoadData()
	broker.Bundles["tenant/ns/a"] = struct{}{}
	broker.LastStats["tenant/ns/a"] = loaddata.BundleStats{Topics: 1}
	require.NoError(t, store.Push("b1", broker))

	bundles := loaddata.NewStore[*loaddata.BundleData]()
	require.NoError(t, bundles.Push("tenant/ns/a", &loaddata.BundleData{LongTerm: loaddata.Rate{TotalMsgRate: 5000}}))

	strat := splitter.New(splitter.Criteria{MaxMsgRate: 100}, nil)
	s := NewSplitScheduler(SplitConfig{Enabled: true}, store, bundles, fakeLeader{true}, strat, nil, nil)

	s.Execute(context.Background())
	assert.Empty(t, s.Candidates())
}
