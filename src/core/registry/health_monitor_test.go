package registry

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcp-mesh/src/core/config"
	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
)

func newHealthTestStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := database.Initialize(&database.Config{
		DatabaseURL:        "file::memory:?cache=shared",
		BusyTimeout:        5000,
		JournalMode:        "WAL",
		Synchronous:        "NORMAL",
		CacheSize:          2000,
		EnableForeignKeys:  true,
		MaxOpenConnections: 1,
		MaxIdleConnections: 1,
		ConnMaxLifetime:    300,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewStore(db)
}

func registerRaw(t *testing.T, store *database.Store, agentID string, heartbeat time.Time) {
	t.Helper()
	err := store.WithTx(t.Context(), func(tx *sql.Tx) error {
		return store.UpsertAgent(t.Context(), tx, &database.Agent{AgentID: agentID, LastHeartbeat: &heartbeat})
	})
	require.NoError(t, err)
}

func newHealthMonitor(store *database.Store, timeout, eviction, interval int) *AgentHealthMonitor {
	cfg := &config.Config{
		DefaultTimeoutThreshold:  timeout,
		DefaultEvictionThreshold: eviction,
		HealthCheckInterval:      interval,
		LogLevel:                 "ERROR",
	}
	log := logger.New(cfg)
	return NewAgentHealthMonitor(store, NewTopologyNotifier(store), log, cfg)
}

func TestMarkTimedOutTransitionsHealthyToUnhealthy(t *testing.T) {
	store := newHealthTestStore(t)
	registerRaw(t, store, "stale-agent", time.Now().Add(-time.Hour))

	h := newHealthMonitor(store, 5, 60, 10)
	h.markTimedOut(t.Context())

	agent, err := store.GetAgent(t.Context(), "stale-agent")
	require.NoError(t, err)
	require.Equal(t, "unhealthy", agent.Status)
}

func TestMarkTimedOutLeavesFreshAgentHealthy(t *testing.T) {
	store := newHealthTestStore(t)
	registerRaw(t, store, "fresh-agent", time.Now())

	h := newHealthMonitor(store, 60, 300, 10)
	h.markTimedOut(t.Context())

	agent, err := store.GetAgent(t.Context(), "fresh-agent")
	require.NoError(t, err)
	require.Equal(t, "healthy", agent.Status)
}

func TestEvictUnhealthyTransitionsToEvictedAndForgetsCursor(t *testing.T) {
	store := newHealthTestStore(t)
	registerRaw(t, store, "unhealthy-agent", time.Now().Add(-time.Hour))
	require.NoError(t, store.UpdateStatus(t.Context(), "unhealthy-agent", "unhealthy"))

	h := newHealthMonitor(store, 5, 5, 10)
	h.topology.Track("unhealthy-agent", nil, 0)

	h.evictUnhealthy(t.Context())

	agent, err := store.GetAgent(t.Context(), "unhealthy-agent")
	require.NoError(t, err)
	require.Equal(t, "evicted", agent.Status)
	require.NotNil(t, agent.EvictedAt)

	require.Equal(t, probeGone, h.topology.Probe(t.Context(), "unhealthy-agent", false))
	_, tracked := h.topology.cursors["unhealthy-agent"]
	require.False(t, tracked)
}

func TestDeleteEvictedRemovesRowAfterGraceWindow(t *testing.T) {
	store := newHealthTestStore(t)
	registerRaw(t, store, "old-evicted", time.Now())
	require.NoError(t, store.EvictAgent(t.Context(), "old-evicted", time.Now().Add(-2*time.Hour)))

	h := newHealthMonitor(store, 20, 60, 10)
	h.deleteEvicted(t.Context())

	agent, err := store.GetAgent(t.Context(), "old-evicted")
	require.NoError(t, err)
	require.Nil(t, agent)
}

func TestDeleteEvictedKeepsRowWithinGraceWindow(t *testing.T) {
	store := newHealthTestStore(t)
	registerRaw(t, store, "recently-evicted", time.Now())
	require.NoError(t, store.EvictAgent(t.Context(), "recently-evicted", time.Now()))

	h := newHealthMonitor(store, 20, 60, 10)
	h.deleteEvicted(t.Context())

	agent, err := store.GetAgent(t.Context(), "recently-evicted")
	require.NoError(t, err)
	require.NotNil(t, agent)
}

func TestThresholdsForFallsBackToDefault(t *testing.T) {
	store := newHealthTestStore(t)
	h := newHealthMonitor(store, 20, 60, 10)

	timeout, eviction := h.thresholdsFor("unconfigured-type")
	require.Equal(t, 20*time.Second, timeout)
	require.Equal(t, 60*time.Second, eviction)
}

func TestStartStopTogglesRunning(t *testing.T) {
	store := newHealthTestStore(t)
	h := newHealthMonitor(store, 20, 60, 1)

	require.False(t, h.IsRunning())
	h.Start()
	require.True(t, h.IsRunning())
	h.Stop()
	require.False(t, h.IsRunning())
}
