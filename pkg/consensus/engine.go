// Package consensus implements the engine's one real external
// collaborator: a raft-backed LeaderElection and BrokerRegistry, grounded
// on the teacher's consensus engine. The spec's other collaborators
// (AdminClient, NamespaceService) are interfaces this module never
// implements for real; this one is, because the scheduler's concurrency
// model only makes sense against genuine consensus. Leadership itself is
// load-aware: ConsiderLeadershipTransfer and Rank both judge a broker's
// fitness to lead by the same weighted-resource usage the shedder uses to
// judge its fitness to keep serving traffic.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/khryptorgraphics/loadshed/internal/config"
	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Engine wraps a hashicorp/raft node: it is both this broker's
// LeaderElection (IsLeader) and its BrokerRegistry (the raft
// configuration's server set is the fleet's broker set).
//
// The raft ServerID scheme is a libp2p peer.ID string, per this engine's
// choice to reuse the cluster's existing peer-identity scheme rather than
// invent a second one.
type Engine struct {
	config *config.ConsensusConfig
	nodeID peer.ID

	raft      *raft.Raft
	fsm       *FSM
	store     *raftboltdb.BoltStore
	snapshots raft.SnapshotStore
	transport *raft.NetworkTransport

	isLeader     bool
	leadershipMu sync.RWMutex
	leaderCh     chan bool

	state   map[string]interface{}
	stateMu sync.RWMutex

	applyCh chan *ApplyEvent

	started bool
	mu      sync.RWMutex
}

// ApplyEvent is one committed state change, used for broker registration
// leases and other small pieces of replicated state the engine keeps on
// the side of load-data telemetry (which flows through loaddata.Store,
// not through raft).
type ApplyEvent struct {
	Type      string                 `json:"type"`
	Key       string                 `json:"key"`
	Value     interface{}            `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// FSM implements the raft finite state machine backing Engine's
// replicated key-value state.
type FSM struct {
	state   map[string]interface{}
	stateMu sync.RWMutex
	applyCh chan *ApplyEvent
}

// NewEngine creates and starts raft for this node. nodeID identifies the
// local broker in the raft configuration.
func NewEngine(cfg *config.ConsensusConfig, nodeID peer.ID) (*Engine, error) {
	e := &Engine{
		config:  cfg,
		nodeID:  nodeID,
		state:   make(map[string]interface{}),
		leaderCh: make(chan bool, 1),
		applyCh: make(chan *ApplyEvent, 1000),
	}

	e.fsm = &FSM{
		state:   make(map[string]interface{}),
		applyCh: e.applyCh,
	}

	if err := e.initRaft(); err != nil {
		return nil, fmt.Errorf("consensus: failed to initialize raft: %w", err)
	}

	return e, nil
}

func (e *Engine) initRaft() error {
	if err := os.MkdirAll(e.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(e.nodeID.String())
	raftConfig.HeartbeatTimeout = e.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = e.config.ElectionTimeout
	raftConfig.CommitTimeout = e.config.CommitTimeout
	raftConfig.MaxAppendEntries = e.config.MaxAppendEntries
	raftConfig.SnapshotInterval = e.config.SnapshotInterval
	raftConfig.SnapshotThreshold = e.config.SnapshotThreshold

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(e.config.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	e.store = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(e.config.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(e.config.DataDir, 3, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	e.snapshots = snapshots

	addr, err := net.ResolveTCPAddr("tcp", e.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(e.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	e.transport = transport

	ra, err := raft.NewRaft(raftConfig, e.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft instance: %w", err)
	}
	e.raft = ra

	go e.monitorLeadership()

	return nil
}

func (e *Engine) monitorLeadership() {
	for isLeader := range e.raft.LeaderCh() {
		e.leadershipMu.Lock()
		e.isLeader = isLeader
		e.leadershipMu.Unlock()

		select {
		case e.leaderCh <- isLeader:
		default:
		}
	}
}

// Start bootstraps the cluster (if configured) and begins applying
// committed events to local state.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("consensus: engine already started")
	}

	if e.config.Bootstrap {
		e.raft.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{ID: raft.ServerID(e.nodeID.String()), Address: e.transport.LocalAddr()},
			},
		})
	}

	go e.processEvents()

	e.started = true
	return nil
}

func (e *Engine) processEvents() {
	for event := range e.applyCh {
		e.stateMu.Lock()
		e.state[event.Key] = event.Value
		e.stateMu.Unlock()
	}
}

// Apply replicates a key/value write through raft. Only the leader may
// call this successfully.
func (e *Engine) Apply(key string, value interface{}, metadata map[string]interface{}) error {
	if !e.IsLeader() {
		return fmt.Errorf("consensus: not leader, cannot apply changes")
	}

	event := &ApplyEvent{Type: "set", Key: key, Value: value, Timestamp: time.Now(), Metadata: metadata}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("consensus: failed to marshal event: %w", err)
	}

	future := e.raft.Apply(data, 10*time.Second)
	return future.Error()
}

// Get reads a replicated key from local state (which may briefly lag the
// leader's committed log).
func (e *Engine) Get(key string) (interface{}, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	v, ok := e.state[key]
	return v, ok
}

// Delete replicates a key removal through raft.
func (e *Engine) Delete(key string) error {
	if !e.IsLeader() {
		return fmt.Errorf("consensus: not leader, cannot delete")
	}

	event := &ApplyEvent{Type: "delete", Key: key, Timestamp: time.Now()}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("consensus: failed to marshal event: %w", err)
	}

	future := e.raft.Apply(data, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (e *Engine) IsLeader() bool {
	e.leadershipMu.RLock()
	defer e.leadershipMu.RUnlock()
	return e.isLeader
}

// Leader returns the current leader's transport address.
func (e *Engine) Leader() string {
	return string(e.raft.Leader())
}

// AddVoter adds a voting member to the raft cluster. Only the leader may
// call this successfully.
func (e *Engine) AddVoter(id, address string) error {
	if !e.IsLeader() {
		return fmt.Errorf("consensus: not leader, cannot add voter")
	}
	future := e.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a member from the raft cluster. Only the leader
// may call this successfully.
func (e *Engine) RemoveServer(id string) error {
	if !e.IsLeader() {
		return fmt.Errorf("consensus: not leader, cannot remove server")
	}
	future := e.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return future.Error()
}

// AvailableBrokers implements scheduler.BrokerRegistry: the raft
// configuration's server set is the fleet's broker set.
func (e *Engine) AvailableBrokers(ctx context.Context) (map[string]struct{}, error) {
	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("consensus: failed to read configuration: %w", err)
	}

	out := make(map[string]struct{})
	for _, srv := range future.Configuration().Servers {
		out[string(srv.ID)] = struct{}{}
	}
	return out, nil
}

// ConsiderLeadershipTransfer hands raft leadership to the least-loaded
// current voter when this node's own resource usage crosses threshold,
// reusing the same weighted-resource ranking Rank applies for the admin
// API's leader-candidates endpoint: a broker overloaded enough to be
// shedding its own bundles makes a poor raft leader, since its Apply path
// would now compete with that shedding work. It is a no-op when this node
// isn't leader, threshold is <= 0, this node's own telemetry isn't present
// in brokers, its usage is below threshold, or no other current voter is
// less loaded.
func (e *Engine) ConsiderLeadershipTransfer(brokers map[string]*loaddata.BrokerLoadData, evaluator *resourceusage.Evaluator, threshold float64) error {
	if !e.IsLeader() || threshold <= 0 {
		return nil
	}

	own, ok := brokers[e.nodeID.String()]
	if !ok {
		return nil
	}
	ownUsage := evaluator.MaxResourceUsage(own)
	if ownUsage < threshold {
		return nil
	}

	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return fmt.Errorf("consensus: failed to read configuration: %w", err)
	}
	addrByID := make(map[raft.ServerID]raft.ServerAddress, len(future.Configuration().Servers))
	for _, srv := range future.Configuration().Servers {
		addrByID[srv.ID] = srv.Address
	}

	for _, candidate := range Rank(brokers, evaluator) {
		if candidate.BrokerID == e.nodeID.String() {
			continue
		}
		if candidate.Usage >= ownUsage {
			// Rank is ascending, so no later candidate is less loaded either.
			return nil
		}
		addr, isVoter := addrByID[raft.ServerID(candidate.BrokerID)]
		if !isVoter {
			continue
		}
		transfer := e.raft.LeadershipTransferToServer(raft.ServerID(candidate.BrokerID), addr)
		return transfer.Error()
	}

	return nil
}

// LeadershipChanges returns a channel delivering every leadership
// transition this node observes.
func (e *Engine) LeadershipChanges() <-chan bool {
	return e.leaderCh
}

// Stats exposes raft's internal counters.
func (e *Engine) Stats() map[string]string {
	return e.raft.Stats()
}

// Shutdown gracefully stops raft and releases its on-disk stores.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	close(e.applyCh)

	if e.raft != nil {
		if err := e.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("consensus: failed to shut down raft: %w", err)
		}
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.transport != nil {
		e.transport.Close()
	}

	e.started = false
	return nil
}

// Apply applies one committed log entry to the FSM's in-memory state.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var event ApplyEvent
	if err := json.Unmarshal(log.Data, &event); err != nil {
		return fmt.Errorf("consensus: failed to unmarshal event: %w", err)
	}

	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	if err := f.validateEvent(&event); err != nil {
		return fmt.Errorf("consensus: invalid event: %w", err)
	}

	switch event.Type {
	case "set":
		f.state[event.Key] = event.Value
	case "delete":
		delete(f.state, event.Key)
	default:
		return fmt.Errorf("consensus: unknown event type: %s", event.Type)
	}

	select {
	case f.applyCh <- &event:
	case <-time.After(time.Second):
		// a full apply channel must not block the raft apply path.
	}

	return nil
}

func (f *FSM) validateEvent(event *ApplyEvent) error {
	if event.Key == "" {
		return fmt.Errorf("event key cannot be empty")
	}
	if event.Type == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if time.Since(event.Timestamp) > 5*time.Minute {
		return fmt.Errorf("event timestamp too old")
	}
	return nil
}

// Snapshot captures the FSM's current state for raft's snapshotting.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()

	state := make(map[string]interface{}, len(f.state))
	for k, v := range f.state {
		state[k] = v
	}
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the FSM's state from a previously persisted snapshot.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state map[string]interface{}
	if err := json.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("consensus: failed to decode snapshot: %w", err)
	}

	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.state = state
	return nil
}

type fsmSnapshot struct {
	state map[string]interface{}
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("consensus: failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
