package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/khryptorgraphics/loadshed/internal/config"
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestEngine returns a single-node bootstrap engine plus the raft
// ServerID (the string form of its peer.ID) its own telemetry would be
// keyed under in a brokers map.
func setupTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	cfg := &config.ConsensusConfig{
		DataDir:           t.TempDir(),
		BindAddr:          "127.0.0.1:0",
		Bootstrap:         true,
		HeartbeatTimeout:  time.Second,
		ElectionTimeout:   time.Second,
		CommitTimeout:     time.Second,
		MaxAppendEntries:  64,
		SnapshotInterval:  time.Hour,
		SnapshotThreshold: 8192,
	}

	nodeID := peer.ID("bootstrap-node")
	engine, err := NewEngine(cfg, nodeID)
	require.NoError(t, err)
	require.NotNil(t, engine)
	return engine, nodeID.String()
}

func cleanupTestEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, engine.Shutdown(ctx))
}

func TestEngineBecomesLeaderAfterBootstrap(t *testing.T) {
	engine, _ := setupTestEngine(t)
	defer cleanupTestEngine(t, engine)

	require.NoError(t, engine.Start())

	assert.Eventually(t, engine.IsLeader, 2*time.Second, 50*time.Millisecond, "bootstrap node should become leader")
}

func TestConsiderLeadershipTransferNoopWhenNotLeader(t *testing.T) {
	cfg := &config.ConsensusConfig{
		DataDir:           t.TempDir(),
		BindAddr:          "127.0.0.1:0",
		Bootstrap:         false,
		HeartbeatTimeout:  time.Second,
		ElectionTimeout:   time.Second,
		CommitTimeout:     time.Second,
		MaxAppendEntries:  64,
		SnapshotInterval:  time.Hour,
		SnapshotThreshold: 8192,
	}
	engine, err := NewEngine(cfg, peer.ID("non-bootstrap-node"))
	require.NoError(t, err)
	require.NotNil(t, engine)
	defer cleanupTestEngine(t, engine)

	require.NoError(t, engine.Start())
	assert.False(t, engine.IsLeader())

	evaluator := resourceusage.New(resourceusage.Weights{CPU: 1}, nil)
	err = engine.ConsiderLeadershipTransfer(map[string]*loaddata.BrokerLoadData{}, evaluator, 0.5)
	assert.NoError(t, err, "a non-leader has no leadership to transfer")
}

func TestConsiderLeadershipTransferNoopBelowThreshold(t *testing.T) {
	engine, selfID := setupTestEngine(t)
	defer cleanupTestEngine(t, engine)

	require.NoError(t, engine.Start())
	assert.Eventually(t, engine.IsLeader, 2*time.Second, 50*time.Millisecond)

	cool := loaddata.NewBrokerLoadData()
	cool.CPU = 0.1
	brokers := map[string]*loaddata.BrokerLoadData{selfID: cool}

	evaluator := resourceusage.New(resourceusage.Weights{CPU: 1}, nil)
	err := engine.ConsiderLeadershipTransfer(brokers, evaluator, 0.9)
	assert.NoError(t, err, "usage below threshold must not attempt a transfer")
}

func TestConsiderLeadershipTransferNoopWhenThresholdDisabled(t *testing.T) {
	engine, selfID := setupTestEngine(t)
	defer cleanupTestEngine(t, engine)

	require.NoError(t, engine.Start())
	assert.Eventually(t, engine.IsLeader, 2*time.Second, 50*time.Millisecond)

	hot := loaddata.NewBrokerLoadData()
	hot.CPU = 0.99
	brokers := map[string]*loaddata.BrokerLoadData{selfID: hot}

	evaluator := resourceusage.New(resourceusage.Weights{CPU: 1}, nil)
	err := engine.ConsiderLeadershipTransfer(brokers, evaluator, 0)
	assert.NoError(t, err, "threshold <= 0 disables leadership transfer entirely")
}

func TestConsiderLeadershipTransferNoopWithNoOtherVoter(t *testing.T) {
	engine, selfID := setupTestEngine(t)
	defer cleanupTestEngine(t, engine)

	require.NoError(t, engine.Start())
	assert.Eventually(t, engine.IsLeader, 2*time.Second, 50*time.Millisecond)

	hot := loaddata.NewBrokerLoadData()
	hot.CPU = 0.99
	brokers := map[string]*loaddata.BrokerLoadData{selfID: hot}

	evaluator := resourceusage.New(resourceusage.Weights{CPU: 1}, nil)
	err := engine.ConsiderLeadershipTransfer(brokers, evaluator, 0.1)
	assert.NoError(t, err, "the single-voter cluster has no less-loaded candidate to hand off to")
}
