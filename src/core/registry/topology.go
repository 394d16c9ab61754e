package registry

import (
	"context"
	"sync"

	"mcp-mesh/src/core/database"
)

// probeResult is the outcome of a HEAD /agents/{id}/heartbeat probe.
type probeResult int

const (
	probeUnchanged probeResult = iota // 200
	probeChanged                      // 202
	probeGone                         // 410
)

// agentCursor is what the Topology Notifier remembers about one agent
// between full heartbeats: the capability labels it currently depends
// on, and the last topology event id it has been told about.
type agentCursor struct {
	dependencyLabels map[string]bool
	lastEventSeen    int64
}

// TopologyNotifier answers the fast HEAD-probe path by remembering each
// agent's declared dependency labels in memory and checking the event
// log for anything newer that could affect them, instead of requiring a
// full re-resolution on every heartbeat.
type TopologyNotifier struct {
	store *database.Store

	mu      sync.RWMutex
	cursors map[string]*agentCursor
}

// NewTopologyNotifier creates a notifier bound to store.
func NewTopologyNotifier(store *database.Store) *TopologyNotifier {
	return &TopologyNotifier{
		store:   store,
		cursors: make(map[string]*agentCursor),
	}
}

// Track records an agent's current dependency labels and starting
// cursor, called on every full registration/heartbeat so a subsequent
// HEAD probe has something to compare against.
func (t *TopologyNotifier) Track(agentID string, dependencyLabels []string, lastEventSeen int64) {
	labels := make(map[string]bool, len(dependencyLabels))
	for _, l := range dependencyLabels {
		labels[l] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[agentID] = &agentCursor{dependencyLabels: labels, lastEventSeen: lastEventSeen}
}

// Forget removes an agent's cursor, called on eviction or deregistration
// so a stale entry does not linger past the agent's lifecycle.
func (t *TopologyNotifier) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, agentID)
}

// Probe answers one HEAD /agents/{id}/heartbeat call. The cursor only
// advances on probeUnchanged/probeChanged, never on probeGone, so a
// re-registering agent starts its lifecycle fresh.
func (t *TopologyNotifier) Probe(ctx context.Context, agentID string, known bool) probeResult {
	if !known {
		return probeGone
	}

	t.mu.RLock()
	cursor, tracked := t.cursors[agentID]
	t.mu.RUnlock()
	if !tracked {
		// Never fully registered through this notifier (e.g. after a
		// restart before the first heartbeat lands) — treat as unchanged
		// rather than spuriously forcing a re-resolve.
		return probeUnchanged
	}

	if len(cursor.dependencyLabels) == 0 {
		// No declared dependencies means no event can ever affect this
		// agent; nothing to query.
		return probeUnchanged
	}

	labels := make([]string, 0, len(cursor.dependencyLabels))
	for l := range cursor.dependencyLabels {
		labels = append(labels, l)
	}

	events, err := t.store.EventsAffecting(ctx, cursor.lastEventSeen, labels)
	if err != nil {
		// Store error: fail open as unchanged, the next normal heartbeat
		// will re-resolve regardless.
		return probeUnchanged
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under the write lock in case Track raced us.
	cursor, tracked = t.cursors[agentID]
	if !tracked {
		return probeUnchanged
	}

	if len(events) == 0 {
		return probeUnchanged
	}

	maxID := cursor.lastEventSeen
	for _, e := range events {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	cursor.lastEventSeen = maxID
	return probeChanged
}
