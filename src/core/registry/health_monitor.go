package registry

import (
	"context"
	"sync"
	"time"

	"mcp-mesh/src/core/config"
	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
)

// agentTypeThresholds holds the timeout/eviction window for one agent
// type, in seconds.
type agentTypeThresholds struct {
	timeoutThreshold  int
	evictionThreshold int
}

// AgentHealthMonitor runs the background sweep that drives the full
// three-state lifecycle (healthy -> unhealthy -> evicted -> deleted) on
// a ticker, with per-agent-type threshold overrides.
type AgentHealthMonitor struct {
	store    *database.Store
	topology *TopologyNotifier
	logger   *logger.Logger

	defaultTimeout  time.Duration
	defaultEviction time.Duration
	checkInterval   time.Duration
	eventRetention  time.Duration // 10x the eviction threshold, per DESIGN.md's retention decision
	typeThresholds  map[string]agentTypeThresholds

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
}

// NewAgentHealthMonitor builds a monitor from the registry's health
// configuration, including any per-agent-type threshold overrides.
func NewAgentHealthMonitor(store *database.Store, topology *TopologyNotifier, logger *logger.Logger, cfg *config.Config) *AgentHealthMonitor {
	health := cfg.GetHealthConfiguration()
	typeThresholds := make(map[string]agentTypeThresholds)
	if raw, ok := health["agent_type_configs"].(map[string]map[string]int); ok {
		for agentType, thresholds := range raw {
			typeThresholds[agentType] = agentTypeThresholds{
				timeoutThreshold:  thresholds["timeout_threshold"],
				evictionThreshold: thresholds["eviction_threshold"],
			}
		}
	}

	return &AgentHealthMonitor{
		store:           store,
		topology:        topology,
		logger:          logger,
		defaultTimeout:  time.Duration(cfg.DefaultTimeoutThreshold) * time.Second,
		defaultEviction: time.Duration(cfg.DefaultEvictionThreshold) * time.Second,
		checkInterval:   time.Duration(cfg.HealthCheckInterval) * time.Second,
		eventRetention:  10 * time.Duration(cfg.DefaultEvictionThreshold) * time.Second,
		typeThresholds:  typeThresholds,
		stopChan:        make(chan struct{}),
	}
}

// Start begins the background health sweep.
func (h *AgentHealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.logger.Warning("Health monitor is already running")
		return
	}

	h.running = true
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		h.logger.Info("Starting agent health monitor (timeout: %v, eviction: %v, interval: %v)",
			h.defaultTimeout, h.defaultEviction, h.checkInterval)

		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-h.stopChan:
				h.logger.Info("Agent health monitor stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the health monitor.
func (h *AgentHealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	h.running = false
	close(h.stopChan)
	h.wg.Wait()
	h.logger.Info("Agent health monitor stopped successfully")
}

// IsRunning returns whether the health monitor is currently running.
func (h *AgentHealthMonitor) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// thresholdsFor returns the timeout/eviction window for agentType,
// falling back to the registry-wide defaults when no override exists.
func (h *AgentHealthMonitor) thresholdsFor(agentType string) (time.Duration, time.Duration) {
	if t, ok := h.typeThresholds[agentType]; ok {
		return time.Duration(t.timeoutThreshold) * time.Second, time.Duration(t.evictionThreshold) * time.Second
	}
	return h.defaultTimeout, h.defaultEviction
}

// sweep runs one pass of the three-state machine: healthy agents past
// their timeout threshold become unhealthy, unhealthy agents past their
// eviction threshold become evicted, and evicted agents past the grace
// window are hard-deleted along with their aged-out topology events.
func (h *AgentHealthMonitor) sweep() {
	ctx := context.Background()

	h.markTimedOut(ctx)
	h.evictUnhealthy(ctx)
	h.deleteEvicted(ctx)

	if n, err := h.store.DeleteEventsOlderThan(ctx, time.Now().Add(-h.eventRetention)); err != nil {
		h.logger.Error("Failed to prune aged topology events: %v", err)
	} else if n > 0 {
		h.logger.Debug("Pruned %d aged topology events", n)
	}
}

// markTimedOut transitions healthy agents whose heartbeat is older than
// their type's timeout threshold to unhealthy. Agent types sharing the
// default threshold are fetched together; overridden types are checked
// individually against their own cutoff.
func (h *AgentHealthMonitor) markTimedOut(ctx context.Context) {
	cutoff := time.Now().Add(-h.shortestThreshold(true))
	candidates, err := h.store.StaleAgents(ctx, cutoff, []string{"healthy"})
	if err != nil {
		h.logger.Error("Failed to query timed-out agents: %v", err)
		return
	}

	for _, a := range candidates {
		timeout, _ := h.thresholdsFor(a.AgentType)
		if !isStale(a.LastHeartbeat, a.CreatedAt, timeout) {
			continue
		}
		if err := h.store.UpdateStatus(ctx, a.AgentID, "unhealthy"); err != nil {
			h.logger.Error("Failed to mark agent %s unhealthy: %v", a.AgentID, err)
			continue
		}
		caps, _ := h.store.GetCapabilities(ctx, a.AgentID)
		labels := make([]string, 0, len(caps))
		for _, c := range caps {
			labels = append(labels, c.Capability)
		}
		if _, err := h.store.AppendEvent(ctx, &database.TopologyEvent{EventType: "unhealthy", AgentID: a.AgentID,
			Namespace: a.Namespace, AffectedCapabilities: labels, Timestamp: time.Now().UTC()}); err != nil {
			h.logger.Error("Failed to append unhealthy event for %s: %v", a.AgentID, err)
		}
		h.logger.Warning("Agent %s marked unhealthy (no heartbeat within %v)", a.AgentID, timeout)
	}
}

// evictUnhealthy transitions unhealthy agents past their eviction
// threshold to evicted, and drops their topology cursor since a future
// re-registration restarts the lifecycle from scratch.
func (h *AgentHealthMonitor) evictUnhealthy(ctx context.Context) {
	cutoff := time.Now().Add(-h.shortestThreshold(false))
	candidates, err := h.store.StaleAgents(ctx, cutoff, []string{"unhealthy"})
	if err != nil {
		h.logger.Error("Failed to query eviction candidates: %v", err)
		return
	}

	now := time.Now()
	for _, a := range candidates {
		_, eviction := h.thresholdsFor(a.AgentType)
		if !isStale(a.LastHeartbeat, a.CreatedAt, eviction) {
			continue
		}
		caps, _ := h.store.GetCapabilities(ctx, a.AgentID)
		labels := make([]string, 0, len(caps))
		for _, c := range caps {
			labels = append(labels, c.Capability)
		}
		if err := h.store.EvictAgent(ctx, a.AgentID, now); err != nil {
			h.logger.Error("Failed to evict agent %s: %v", a.AgentID, err)
			continue
		}
		if _, err := h.store.AppendEvent(ctx, &database.TopologyEvent{EventType: "evicted", AgentID: a.AgentID,
			Namespace: a.Namespace, AffectedCapabilities: labels, Timestamp: time.Now().UTC()}); err != nil {
			h.logger.Error("Failed to append evicted event for %s: %v", a.AgentID, err)
		}
		if h.topology != nil {
			h.topology.Forget(a.AgentID)
		}
		h.logger.Warning("Agent %s evicted (unhealthy beyond %v)", a.AgentID, eviction)
	}
}

// deleteEvicted hard-deletes agents evicted more than the eviction
// threshold ago again, used as the post-eviction grace window before
// the row (and its capabilities, via cascade) are removed entirely.
func (h *AgentHealthMonitor) deleteEvicted(ctx context.Context) {
	cutoff := time.Now().Add(-h.defaultEviction)
	ids, err := h.store.EvictedBefore(ctx, cutoff)
	if err != nil {
		h.logger.Error("Failed to query deletion candidates: %v", err)
		return
	}

	for _, id := range ids {
		if err := h.store.DeleteAgent(ctx, id); err != nil {
			h.logger.Error("Failed to delete evicted agent %s: %v", id, err)
			continue
		}
		h.logger.Info("Deleted agent %s after eviction grace window", id)
	}
}

// shortestThreshold returns the smallest timeout (or eviction) window
// across the default and all per-type overrides, used as the SQL-side
// cutoff so StaleAgents over-fetches rather than misses a candidate;
// isStale then applies the agent's own precise threshold.
func (h *AgentHealthMonitor) shortestThreshold(timeout bool) time.Duration {
	shortest := h.defaultTimeout
	if !timeout {
		shortest = h.defaultEviction
	}
	for _, t := range h.typeThresholds {
		d := time.Duration(t.timeoutThreshold) * time.Second
		if !timeout {
			d = time.Duration(t.evictionThreshold) * time.Second
		}
		if d < shortest {
			shortest = d
		}
	}
	return shortest
}

func isStale(lastHeartbeat *time.Time, createdAt time.Time, threshold time.Duration) bool {
	reference := createdAt
	if lastHeartbeat != nil {
		reference = *lastHeartbeat
	}
	return time.Since(reference) >= threshold
}
