package database

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Initialize(&Config{
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
	return NewStore(db)
}

func upsert(t *testing.T, store *Store, agent *Agent, caps []Capability) {
	t.Helper()
	err := store.WithTx(t.Context(), func(tx *sql.Tx) error {
		if err := store.UpsertAgent(t.Context(), tx, agent); err != nil {
			return err
		}
		return store.ReplaceCapabilities(t.Context(), tx, agent.AgentID, caps)
	})
	require.NoError(t, err)
}

func TestUpsertAgentAndGetAgent(t *testing.T) {
	store := newTestStore(t)

	upsert(t, store, &Agent{AgentID: "date-svc", AgentType: "mcp_agent", Namespace: "default"}, nil)

	fetched, err := store.GetAgent(t.Context(), "date-svc")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, "default", fetched.Namespace)
	require.Equal(t, "healthy", fetched.Status)
}

func TestGetAgentMissingReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	fetched, err := store.GetAgent(t.Context(), "ghost")
	require.NoError(t, err)
	require.Nil(t, fetched)
}

func TestReplaceCapabilitiesPrunesStale(t *testing.T) {
	store := newTestStore(t)

	upsert(t, store, &Agent{AgentID: "greeter"}, []Capability{
		{AgentID: "greeter", FunctionName: "greet", Capability: "greeting", Tags: []string{"en"}},
		{AgentID: "greeter", FunctionName: "farewell", Capability: "greeting", Tags: []string{"en"}},
	})

	upsert(t, store, &Agent{AgentID: "greeter"}, []Capability{
		{AgentID: "greeter", FunctionName: "greet", Capability: "greeting", Tags: []string{"en", "fr"}},
	})

	caps, err := store.GetCapabilities(t.Context(), "greeter")
	require.NoError(t, err)
	require.Len(t, caps, 1)
	require.Equal(t, "greet", caps[0].FunctionName)
	require.ElementsMatch(t, []string{"en", "fr"}, caps[0].Tags)
}

func TestProvidersOfFiltersEvictedAndNamespace(t *testing.T) {
	store := newTestStore(t)

	upsert(t, store, &Agent{AgentID: "date-svc-1", Namespace: "default"}, []Capability{
		{AgentID: "date-svc-1", FunctionName: "get_date", Capability: "date_service", Tags: []string{"utc"}},
	})
	upsert(t, store, &Agent{AgentID: "date-svc-2", Namespace: "staging"}, []Capability{
		{AgentID: "date-svc-2", FunctionName: "get_date", Capability: "date_service", Tags: []string{"utc"}},
	})

	require.NoError(t, store.EvictAgent(t.Context(), "date-svc-1", time.Now()))

	candidates, err := store.ProvidersOf(t.Context(), "date_service", "staging")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "date-svc-2", candidates[0].AgentID)

	candidates, err = store.ProvidersOf(t.Context(), "date_service", "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "date-svc-2", candidates[0].AgentID)
}

func TestAppendEventAndEventsAffecting(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	id1, err := store.AppendEvent(ctx, &TopologyEvent{EventType: "register", AgentID: "a1", AffectedCapabilities: []string{"date_service"}})
	require.NoError(t, err)
	require.Greater(t, id1, int64(0))

	_, err = store.AppendEvent(ctx, &TopologyEvent{EventType: "register", AgentID: "a2", AffectedCapabilities: []string{"weather_service"}})
	require.NoError(t, err)

	events, err := store.EventsAffecting(ctx, 0, []string{"date_service"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a1", events[0].AgentID)

	events, err = store.EventsAffecting(ctx, id1, []string{"date_service"})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEventsAffectingWithNoLabelsMatchesNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.AppendEvent(ctx, &TopologyEvent{EventType: "register", AgentID: "a1", AffectedCapabilities: []string{"date_service"}})
	require.NoError(t, err)

	events, err := store.EventsAffecting(ctx, 0, nil)
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = store.EventsAffecting(ctx, 0, []string{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStaleAgentsAndEviction(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	upsert(t, store, &Agent{AgentID: "stale-1"}, nil)
	past := time.Now().Add(-time.Hour)
	_, err := store.UpdateHeartbeat(ctx, "stale-1", past)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, "stale-1", "healthy"))

	stale, err := store.StaleAgents(ctx, time.Now().Add(-time.Minute), []string{"healthy"})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale-1", stale[0].AgentID)

	require.NoError(t, store.EvictAgent(ctx, "stale-1", time.Now().Add(-2*time.Hour)))
	ids, err := store.EvictedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Contains(t, ids, "stale-1")

	require.NoError(t, store.DeleteAgent(ctx, "stale-1"))
	fetched, err := store.GetAgent(ctx, "stale-1")
	require.NoError(t, err)
	require.Nil(t, fetched)
}
