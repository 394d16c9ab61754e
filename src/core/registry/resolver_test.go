package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mcp-mesh/src/core/database"
)

func TestFreshnessBonus(t *testing.T) {
	now := time.Now()

	t.Run("NilHeartbeat_ScoresZero", func(t *testing.T) {
		assert.Equal(t, 0, freshnessBonus(nil))
	})

	t.Run("MonotonicDecayWithAge", func(t *testing.T) {
		justNow := now.Add(-500 * time.Millisecond)
		threeSecondsAgo := now.Add(-3 * time.Second)
		tenSecondsAgo := now.Add(-10 * time.Second)
		thirtySecondsAgo := now.Add(-30 * time.Second)
		old := now.Add(-2 * time.Minute)

		assert.Equal(t, 4, freshnessBonus(&justNow))
		assert.Equal(t, 3, freshnessBonus(&threeSecondsAgo))
		assert.Equal(t, 2, freshnessBonus(&tenSecondsAgo))
		assert.Equal(t, 1, freshnessBonus(&thirtySecondsAgo))
		assert.Equal(t, 0, freshnessBonus(&old))
	})
}

func TestEndpointFor(t *testing.T) {
	t.Run("HTTPEndpoint", func(t *testing.T) {
		c := database.ProviderCandidate{HTTPHost: "10.0.0.5", HTTPPort: 9090}
		assert.Equal(t, "10.0.0.5:9090", endpointFor(c))
	})

	t.Run("NoHTTPEndpoint_FallsBackToStdio", func(t *testing.T) {
		c := database.ProviderCandidate{AgentID: "worker-1"}
		assert.Equal(t, "stdio://worker-1", endpointFor(c))
	})
}

func TestHeartbeatOrZero(t *testing.T) {
	t.Run("NilReturnsZeroValue", func(t *testing.T) {
		assert.True(t, heartbeatOrZero(nil).IsZero())
	})

	t.Run("NonNilReturnsValue", func(t *testing.T) {
		now := time.Now()
		assert.Equal(t, now, heartbeatOrZero(&now))
	})
}
