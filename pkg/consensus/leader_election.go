package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
)

// CandidateScore is one broker's standing as a leadership candidate. Lower
// Usage is better: an overloaded broker makes a poor raft leader, since its
// Apply path would compete with its own shedding work. This replaces
// hardware/geographic capability scoring with the same weighted-resource
// signal the shedder already trusts, rather than a second, parallel notion
// of "capability" the rest of the engine never observes.
type CandidateScore struct {
	BrokerID string
	Usage    float64
	Bundles  int
}

// Rank scores every broker in brokers by current resource usage, ascending,
// using the same weighted-max formula internal/shedder applies -- the
// least-loaded broker ranks first as the preferred next raft voter or
// failover target. Ties break on broker id for a reproducible ordering.
func Rank(brokers map[string]*loaddata.BrokerLoadData, evaluator *resourceusage.Evaluator) []CandidateScore {
	out := make([]CandidateScore, 0, len(brokers))
	for id, b := range brokers {
		out = append(out, CandidateScore{
			BrokerID: id,
			Usage:    evaluator.MaxResourceUsage(b),
			Bundles:  len(b.Bundles),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Usage != out[j].Usage {
			return out[i].Usage < out[j].Usage
		}
		return out[i].BrokerID < out[j].BrokerID
	})
	return out
}

// LeadershipEvent records one observed transition of this node's own raft
// leadership status.
type LeadershipEvent struct {
	Timestamp time.Time
	IsLeader  bool
}

// LeadershipHistory tails an Engine's LeadershipChanges feed and retains a
// bounded log of transitions, surfaced by the introspection API so an
// operator can see how often this broker has flapped in and out of
// leadership without needing to scrape raft's own metrics endpoint.
type LeadershipHistory struct {
	mu         sync.RWMutex
	events     []LeadershipEvent
	maxEntries int
}

// WatchLeadership creates a LeadershipHistory and starts recording from
// changes. The returned history stops recording once changes is closed.
func WatchLeadership(changes <-chan bool) *LeadershipHistory {
	h := &LeadershipHistory{maxEntries: 1000}
	go h.record(changes)
	return h
}

func (h *LeadershipHistory) record(changes <-chan bool) {
	for isLeader := range changes {
		h.mu.Lock()
		h.events = append(h.events, LeadershipEvent{Timestamp: time.Now(), IsLeader: isLeader})
		if len(h.events) > h.maxEntries {
			h.events = h.events[len(h.events)-h.maxEntries:]
		}
		h.mu.Unlock()
	}
}

// Snapshot returns the recorded transitions, oldest first.
func (h *LeadershipHistory) Snapshot() []LeadershipEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]LeadershipEvent, len(h.events))
	copy(out, h.events)
	return out
}
