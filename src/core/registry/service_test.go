package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mcp-mesh/src/core/config"
	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
)

func newServiceTestStore(t *testing.T) *database.Store {
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

func newTestService(t *testing.T) *RegistrationService {
	store := newServiceTestStore(t)
	log := logger.New(&config.Config{LogLevel: "ERROR"})
	resolver := NewDependencyResolver(store, log)
	topology := NewTopologyNotifier(store)
	return NewRegistrationService(store, resolver, topology, log)
}

func TestRegisterAgentPersistsAndReturnsCanonicalShape(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	resp, err := svc.RegisterAgent(ctx, &AgentSnapshot{
		AgentID:   "date-svc",
		Namespace: "default",
		Capabilities: []CapabilityDeclaration{
			{FunctionName: "get_date", Capability: "date_service"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "date-svc", resp.AgentID)
	require.Equal(t, 0, resp.TotalDependencies)
	require.Equal(t, 0, resp.DependenciesResolved)
	require.NotEmpty(t, resp.RegisteredAt)

	agents, err := svc.ListAgents(ctx, "default", "")
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestRegisterAgentResolvesDependencies(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	_, err := svc.RegisterAgent(ctx, &AgentSnapshot{
		AgentID:   "date-svc",
		Namespace: "default",
		Capabilities: []CapabilityDeclaration{
			{FunctionName: "get_date", Capability: "date_service"},
		},
	})
	require.NoError(t, err)

	resp, err := svc.RegisterAgent(ctx, &AgentSnapshot{
		AgentID:   "consumer",
		Namespace: "default",
		Capabilities: []CapabilityDeclaration{
			{
				FunctionName: "greet",
				Capability:   "greeting",
				Dependencies: []DependencyDeclaration{
					{Capability: "date_service"},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.TotalDependencies)
	require.Equal(t, 1, resp.DependenciesResolved)
	res, ok := resp.ResolvedDependencies["greet"]
	require.True(t, ok)
	require.Equal(t, "date-svc", res.AgentID)
}

func TestRegisterAgentRejectsInvalidSnapshot(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.RegisterAgent(t.Context(), &AgentSnapshot{})
	require.Error(t, err)
}

func TestUpdateHeartbeatAppliesPathAgentID(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	_, err := svc.RegisterAgent(ctx, &AgentSnapshot{AgentID: "date-svc"})
	require.NoError(t, err)

	resp, err := svc.UpdateHeartbeat(ctx, "date-svc", &AgentSnapshot{})
	require.NoError(t, err)
	require.Equal(t, "date-svc", resp.AgentID)
}

func TestRegisterAgentSkipsEventOnNoChange(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	snap := &AgentSnapshot{
		AgentID: "date-svc",
		Capabilities: []CapabilityDeclaration{
			{FunctionName: "get_date", Capability: "date_service", Tags: []string{"utc"}},
		},
	}
	_, err := svc.RegisterAgent(ctx, snap)
	require.NoError(t, err)

	before, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)

	_, err = svc.UpdateHeartbeat(ctx, "date-svc", snap)
	require.NoError(t, err)

	after, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRegisterAgentEmitsEventOnEndpointOnlyChange(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	snap := &AgentSnapshot{
		AgentID:  "date-svc",
		HTTPHost: "10.0.0.1",
		HTTPPort: 9000,
		Version:  "1.0.0",
		Capabilities: []CapabilityDeclaration{
			{FunctionName: "get_date", Capability: "date_service", Tags: []string{"utc"}},
		},
	}
	_, err := svc.RegisterAgent(ctx, snap)
	require.NoError(t, err)

	before, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)

	moved := *snap
	moved.HTTPHost = "10.0.0.2"
	_, err = svc.UpdateHeartbeat(ctx, "date-svc", &moved)
	require.NoError(t, err)

	after, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)
	require.Greater(t, after, before)
}

func TestRegisterAgentEmitsEventOnVersionOnlyChange(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	snap := &AgentSnapshot{
		AgentID: "date-svc",
		Version: "1.0.0",
		Capabilities: []CapabilityDeclaration{
			{FunctionName: "get_date", Capability: "date_service", Tags: []string{"utc"}},
		},
	}
	_, err := svc.RegisterAgent(ctx, snap)
	require.NoError(t, err)

	before, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)

	bumped := *snap
	bumped.Version = "1.1.0"
	_, err = svc.UpdateHeartbeat(ctx, "date-svc", &bumped)
	require.NoError(t, err)

	after, err := svc.store.LatestEventID(ctx)
	require.NoError(t, err)
	require.Greater(t, after, before)
}

func TestDeregisterAgentRemovesRow(t *testing.T) {
	svc := newTestService(t)
	ctx := t.Context()

	_, err := svc.RegisterAgent(ctx, &AgentSnapshot{AgentID: "date-svc"})
	require.NoError(t, err)

	require.NoError(t, svc.DeregisterAgent(ctx, "date-svc"))

	agent, err := svc.store.GetAgent(ctx, "date-svc")
	require.NoError(t, err)
	require.Nil(t, agent)
}

func TestDeregisterUnknownAgentReturnsNotFound(t *testing.T) {
	svc := newTestService(t)
	err := svc.DeregisterAgent(t.Context(), "ghost")
	require.Error(t, err)
	_, ok := err.(*NotFoundError)
	require.True(t, ok)
}

func TestCapabilitiesChangedIgnoresTagOrder(t *testing.T) {
	previous := []database.Capability{
		{FunctionName: "greet", Capability: "greeting", Tags: []string{"en", "fr"}},
	}
	next := []database.Capability{
		{FunctionName: "greet", Capability: "greeting", Tags: []string{"fr", "en"}},
	}
	require.False(t, capabilitiesChanged(previous, next))
}

func TestCapabilitiesChangedDetectsAddedFunction(t *testing.T) {
	previous := []database.Capability{
		{FunctionName: "greet", Capability: "greeting"},
	}
	next := []database.Capability{
		{FunctionName: "greet", Capability: "greeting"},
		{FunctionName: "farewell", Capability: "greeting"},
	}
	require.True(t, capabilitiesChanged(previous, next))
}
