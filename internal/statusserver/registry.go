// Package statusserver exposes the running relayer's per-chain worker
// health and a live feed of processed-block notifications over HTTP,
// the concrete substitute for the abstract "subscribers receive periodic
// notifications" surface: a status poll and an event stream, both plain
// JSON over net/http rather than a bespoke pub/sub protocol.
package statusserver

import (
	"sort"
	"sync"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// MonitorEvent is one entry in the /events stream: a chain made forward
// progress by processing a block through its Getter.
type MonitorEvent struct {
	Chain       relaytypes.ChainID `json:"chain"`
	BlockNumber uint64             `json:"blockNumber"`
	BlockHash   string             `json:"blockHash"`
	Timestamp   int64              `json:"timestamp"`
}

// Registry tracks which chain workers are currently active and fans out
// MonitorEvents to every open /events connection. Each Orchestrator calls
// MarkActive for its chain when it starts and MarkInactive when it is
// closed; the Orchestrator's Getter sink calls Publish on every non-empty
// poll.
type Registry struct {
	mu       sync.Mutex
	active   map[relaytypes.ChainID]struct{}
	inactive map[relaytypes.ChainID]struct{}

	subMu sync.Mutex
	subs  map[chan MonitorEvent]struct{}
}

// NewRegistry returns an empty Registry; every chain starts out reported
// in neither set until MarkActive or MarkInactive is called for it.
func NewRegistry() *Registry {
	return &Registry{
		active:   make(map[relaytypes.ChainID]struct{}),
		inactive: make(map[relaytypes.ChainID]struct{}),
		subs:     make(map[chan MonitorEvent]struct{}),
	}
}

func (r *Registry) MarkActive(chain relaytypes.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inactive, chain)
	r.active[chain] = struct{}{}
}

func (r *Registry) MarkInactive(chain relaytypes.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, chain)
	r.inactive[chain] = struct{}{}
}

// Snapshot returns both worker sets as sorted slices, matching the
// {activeWorkers:[chainId], inactiveWorkers:[chainId]} status shape.
func (r *Registry) Snapshot() (activeWorkers, inactiveWorkers []relaytypes.ChainID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	activeWorkers = sortedKeys(r.active)
	inactiveWorkers = sortedKeys(r.inactive)
	return activeWorkers, inactiveWorkers
}

func sortedKeys(m map[relaytypes.ChainID]struct{}) []relaytypes.ChainID {
	out := make([]relaytypes.ChainID, 0, len(m))
	for chain := range m {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers a new /events listener. The returned channel is
// buffered so one slow event doesn't stall Publish; if the buffer fills,
// the oldest event is dropped rather than blocking every publisher.
// Unsubscribe must be called once the listener disconnects.
func (r *Registry) Subscribe() chan MonitorEvent {
	ch := make(chan MonitorEvent, 32)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

func (r *Registry) Unsubscribe(ch chan MonitorEvent) {
	r.subMu.Lock()
	delete(r.subs, ch)
	r.subMu.Unlock()
}

func (r *Registry) Publish(ev MonitorEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
