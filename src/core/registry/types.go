package registry

// DependencyDeclaration is a consumer-side description of a required
// capability. Tags are parsed by prefix into required (bare), preferred
// (`+`), and excluded (`-`) sets by the Matcher. Alternatives holds OR
// groups of further DependencyDeclarations tried in order, first match
// wins (see SPEC_FULL.md "OR-alternative dependency groups").
type DependencyDeclaration struct {
	Capability      string                   `json:"capability"`
	Tags            []string                 `json:"tags,omitempty"`
	TagAlternatives [][]string               `json:"tag_alternatives,omitempty"`
	Version         string                   `json:"version,omitempty"`
	Namespace       string                   `json:"namespace,omitempty"`
	Alternatives    []DependencyDeclaration `json:"alternatives,omitempty"`
}

// CapabilityDeclaration is one advertised tool/capability in a
// registration or heartbeat snapshot.
type CapabilityDeclaration struct {
	FunctionName string                   `json:"function_name"`
	Capability   string                   `json:"capability"`
	Version      string                   `json:"version,omitempty"`
	Description  string                   `json:"description,omitempty"`
	Tags         []string                 `json:"tags,omitempty"`
	Dependencies []DependencyDeclaration `json:"dependencies,omitempty"`
}

// AgentSnapshot is the full registration/heartbeat body: everything
// about an agent needed to replace its stored capability set wholesale.
type AgentSnapshot struct {
	AgentID      string                   `json:"agent_id" binding:"required"`
	Name         string                   `json:"name,omitempty"`
	AgentType    string                   `json:"agent_type,omitempty"`
	Version      string                   `json:"version,omitempty"`
	Namespace    string                   `json:"namespace,omitempty"`
	Endpoint     string                   `json:"endpoint,omitempty"`
	HTTPHost     string                   `json:"http_host,omitempty"`
	HTTPPort     int                      `json:"http_port,omitempty"`
	Status       string                   `json:"status,omitempty"`
	Capabilities []CapabilityDeclaration `json:"capabilities,omitempty"`
}

// DependencySpec is the Matcher/Resolver's parsed view of a
// DependencyDeclaration, produced by parseDependencySpec.
type DependencySpec struct {
	Capability      string
	Tags            []string
	TagAlternatives [][]string
	Version         string
	Namespace       string
}

// DependencyResolution is the ephemeral projection the resolver produces
// for one satisfied dependency.
type DependencyResolution struct {
	AgentID      string `json:"agent_id"`
	FunctionName string `json:"function_name"`
	Endpoint     string `json:"endpoint"`
	Capability   string `json:"capability"`
	Score        int    `json:"score"`
}

// RegisterResponse is the canonical registration/heartbeat response
// shape returned by both the register and heartbeat endpoints.
type RegisterResponse struct {
	AgentID              string                           `json:"agent_id"`
	RegisteredAt         string                           `json:"registered_at"`
	ResolvedDependencies map[string]DependencyResolution `json:"resolved_dependencies"`
	DependenciesResolved int                              `json:"dependencies_resolved"`
	TotalDependencies    int                              `json:"total_dependencies"`
}

// HeartbeatResponse is an alias of RegisterResponse: both endpoints
// return the same type.
type HeartbeatResponse = RegisterResponse

// parseDependencySpec converts a DependencyDeclaration into the
// DependencySpec the Matcher consumes. Alternatives (if any) are resolved
// separately by the resolver, tried in order after the primary spec.
func parseDependencySpec(d DependencyDeclaration) DependencySpec {
	return DependencySpec{
		Capability:      d.Capability,
		Tags:            d.Tags,
		TagAlternatives: d.TagAlternatives,
		Version:         d.Version,
		Namespace:       d.Namespace,
	}
}
