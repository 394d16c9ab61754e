package database

import (
	"encoding/json"
	"time"
)

func marshalJSON(v interface{}) string {
	if v == nil {
		return "[]"
	}
	if bytes, err := json.Marshal(v); err == nil {
		return string(bytes)
	}
	return "[]"
}

func unmarshalJSON(data string, v interface{}) error {
	if data == "" {
		data = "[]"
	}
	return json.Unmarshal([]byte(data), v)
}

// Agent represents a row in the agents table.
type Agent struct {
	AgentID               string     `json:"agent_id"`
	AgentType             string     `json:"agent_type"`
	Name                  string     `json:"name"`
	Version               string     `json:"version"`
	HTTPHost              string     `json:"http_host"`
	HTTPPort              int        `json:"http_port"`
	Namespace             string     `json:"namespace"`
	TotalDependencies     int        `json:"total_dependencies"`
	DependenciesResolved  int        `json:"dependencies_resolved"`
	Status                string     `json:"status"`
	LastHeartbeat         *time.Time `json:"last_heartbeat"`
	EvictedAt             *time.Time `json:"evicted_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Capability represents a row in the capabilities table.
type Capability struct {
	ID           int64     `json:"id"`
	AgentID      string    `json:"agent_id"`
	FunctionName string    `json:"function_name"`
	Capability   string    `json:"capability"`
	Version      string    `json:"version"`
	Description  string    `json:"description"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TagsJSON marshals Tags for storage.
func (c *Capability) TagsJSON() string { return marshalJSON(c.Tags) }

// SetTagsFromJSON populates Tags from a stored JSON string.
func (c *Capability) SetTagsFromJSON(raw string) error { return unmarshalJSON(raw, &c.Tags) }

// TopologyEvent represents a row in the topology_events table: a
// registration, heartbeat, status-change, or eviction that may have
// altered the capability topology agents depend on.
type TopologyEvent struct {
	ID                   int64     `json:"id"`
	EventType            string    `json:"event_type"`
	AgentID              string    `json:"agent_id"`
	Namespace            string    `json:"namespace"`
	AffectedCapabilities []string  `json:"affected_capabilities"`
	Timestamp            time.Time `json:"timestamp"`
	Data                 string    `json:"data"`
}

// AffectedCapabilitiesJSON marshals AffectedCapabilities for storage.
func (e *TopologyEvent) AffectedCapabilitiesJSON() string { return marshalJSON(e.AffectedCapabilities) }

// SetAffectedCapabilitiesFromJSON populates AffectedCapabilities from a
// stored JSON string.
func (e *TopologyEvent) SetAffectedCapabilitiesFromJSON(raw string) error {
	return unmarshalJSON(raw, &e.AffectedCapabilities)
}

// SchemaVersion represents a row in the schema_version table.
type SchemaVersion struct {
	Version   int       `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}
