package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAgentSnapshot(t *testing.T) {
	v := NewAgentRegistrationValidator()

	t.Run("MissingAgentID_Fails", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{})
		assert.Error(t, err)
		verr, ok := err.(ValidationError)
		assert.True(t, ok)
		assert.Equal(t, "agent_id", verr.Field)
	})

	t.Run("ValidMinimalSnapshot_Passes", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "date-svc"})
		assert.NoError(t, err)
	})

	t.Run("UppercaseAgentID_Normalized", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "Date-Svc"})
		assert.NoError(t, err)
	})

	t.Run("InvalidNamespace_Fails", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "date-svc", Namespace: "Bad_NS!"})
		assert.Error(t, err)
	})

	t.Run("StdioEndpoint_Passes", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "date-svc", Endpoint: "stdio://date-svc"})
		assert.NoError(t, err)
	})

	t.Run("HTTPEndpoint_Passes", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "date-svc", Endpoint: "http://10.0.0.1:8080"})
		assert.NoError(t, err)
	})

	t.Run("MalformedEndpointScheme_Fails", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: "date-svc", Endpoint: "ftp://10.0.0.1"})
		assert.Error(t, err)
	})

	t.Run("DuplicateFunctionName_ReturnsConflictError", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{
			AgentID: "date-svc",
			Capabilities: []CapabilityDeclaration{
				{FunctionName: "get_date", Capability: "date_service"},
				{FunctionName: "get_date", Capability: "date_service_v2"},
			},
		})
		assert.Error(t, err)
		cerr, ok := err.(*ConflictError)
		assert.True(t, ok)
		assert.Equal(t, "duplicate_function_name", cerr.Code)
	})

	t.Run("InvalidCapabilityVersion_Fails", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{
			AgentID: "date-svc",
			Capabilities: []CapabilityDeclaration{
				{FunctionName: "get_date", Capability: "date_service", Version: "not-a-version"},
			},
		})
		assert.Error(t, err)
	})

	t.Run("ValidCapabilityVersion_Passes", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(&AgentSnapshot{
			AgentID: "date-svc",
			Capabilities: []CapabilityDeclaration{
				{FunctionName: "get_date", Capability: "date_service", Version: "1.0.0-beta"},
			},
		})
		assert.NoError(t, err)
	})

	t.Run("NilSnapshot_Fails", func(t *testing.T) {
		err := v.ValidateAgentSnapshot(nil)
		assert.Error(t, err)
	})
}

func TestValidateAgentIDLength(t *testing.T) {
	v := NewAgentRegistrationValidator()
	long := make([]byte, 254)
	for i := range long {
		long[i] = 'a'
	}
	err := v.ValidateAgentSnapshot(&AgentSnapshot{AgentID: string(long)})
	assert.Error(t, err)
}
