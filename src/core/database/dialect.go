package database

import "fmt"

// Dialect hides the SQL differences between SQLite and PostgreSQL behind
// the small set of primitives the rest of the Store needs: parameter
// placeholders, upsert statement shape, and "current timestamp" fragments.
type Dialect interface {
	// Placeholder returns the parameter marker for the n-th bound value
	// (1-indexed), e.g. "?" for SQLite or "$3" for PostgreSQL.
	Placeholder(n int) string

	// Placeholders returns a comma-joined list of n placeholders starting
	// at offset+1, e.g. Placeholders(3, 0) -> "?, ?, ?" on SQLite or
	// "$1, $2, $3" on PostgreSQL.
	Placeholders(n int, offset int) string

	// IsPostgreSQL reports whether this dialect targets PostgreSQL.
	IsPostgreSQL() bool

	// Now returns a SQL fragment evaluating to the current UTC timestamp.
	Now() string

	// UpsertAgentSQL returns the full INSERT statement used to create or
	// update an agent row, keyed by agent_id.
	UpsertAgentSQL() string

	// UpsertCapabilitySQL returns the full INSERT statement used to create
	// or update a capability row, keyed by (agent_id, function_name).
	UpsertCapabilitySQL() string

	// CreateTableSQL returns the dialect-specific DDL for the schema.
	CreateTableSQL() []string
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) Placeholders(n int, offset int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func (sqliteDialect) IsPostgreSQL() bool { return false }

func (sqliteDialect) Now() string { return "CURRENT_TIMESTAMP" }

func (sqliteDialect) UpsertAgentSQL() string {
	return `INSERT INTO agents (
		agent_id, agent_type, name, version, http_host, http_port, namespace,
		total_dependencies, dependencies_resolved, status, last_heartbeat,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(agent_id) DO UPDATE SET
		agent_type = excluded.agent_type,
		name = excluded.name,
		version = excluded.version,
		http_host = excluded.http_host,
		http_port = excluded.http_port,
		namespace = excluded.namespace,
		total_dependencies = excluded.total_dependencies,
		dependencies_resolved = excluded.dependencies_resolved,
		status = excluded.status,
		last_heartbeat = excluded.last_heartbeat,
		updated_at = CURRENT_TIMESTAMP`
}

func (sqliteDialect) UpsertCapabilitySQL() string {
	return `INSERT INTO capabilities (
		agent_id, function_name, capability, version, description, tags,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(agent_id, function_name) DO UPDATE SET
		capability = excluded.capability,
		version = excluded.version,
		description = excluded.description,
		tags = excluded.tags,
		updated_at = CURRENT_TIMESTAMP`
}

func (sqliteDialect) CreateTableSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT 'mcp_agent',
			name TEXT NOT NULL,
			version TEXT,
			http_host TEXT,
			http_port INTEGER,
			namespace TEXT DEFAULT 'default',
			total_dependencies INTEGER DEFAULT 0,
			dependencies_resolved INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'healthy',
			last_heartbeat TIMESTAMP,
			evicted_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			capability TEXT NOT NULL,
			version TEXT DEFAULT '1.0.0',
			description TEXT,
			tags TEXT DEFAULT '[]',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE,
			UNIQUE(agent_id, function_name)
		)`,
		`CREATE TABLE IF NOT EXISTS topology_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			namespace TEXT DEFAULT 'default',
			affected_capabilities TEXT DEFAULT '[]',
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			data TEXT DEFAULT '{}'
		)`,
		"CREATE INDEX IF NOT EXISTS idx_agents_namespace ON agents(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
		"CREATE INDEX IF NOT EXISTS idx_agents_updated_at ON agents(updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_capability ON capabilities(capability)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON topology_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_agent ON topology_events(agent_id)",
	}
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) Placeholders(n int, offset int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("$%d", offset+i+1)
	}
	return out
}

func (postgresDialect) IsPostgreSQL() bool { return true }

func (postgresDialect) Now() string { return "NOW()" }

func (postgresDialect) UpsertAgentSQL() string {
	return `INSERT INTO agents (
		agent_id, agent_type, name, version, http_host, http_port, namespace,
		total_dependencies, dependencies_resolved, status, last_heartbeat,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	ON CONFLICT (agent_id) DO UPDATE SET
		agent_type = excluded.agent_type,
		name = excluded.name,
		version = excluded.version,
		http_host = excluded.http_host,
		http_port = excluded.http_port,
		namespace = excluded.namespace,
		total_dependencies = excluded.total_dependencies,
		dependencies_resolved = excluded.dependencies_resolved,
		status = excluded.status,
		last_heartbeat = excluded.last_heartbeat,
		updated_at = NOW()`
}

func (postgresDialect) UpsertCapabilitySQL() string {
	return `INSERT INTO capabilities (
		agent_id, function_name, capability, version, description, tags,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	ON CONFLICT (agent_id, function_name) DO UPDATE SET
		capability = excluded.capability,
		version = excluded.version,
		description = excluded.description,
		tags = excluded.tags,
		updated_at = NOW()`
}

func (postgresDialect) CreateTableSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT 'mcp_agent',
			name TEXT NOT NULL,
			version TEXT,
			http_host TEXT,
			http_port INTEGER,
			namespace TEXT DEFAULT 'default',
			total_dependencies INTEGER DEFAULT 0,
			dependencies_resolved INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'healthy',
			last_heartbeat TIMESTAMP,
			evicted_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
			function_name TEXT NOT NULL,
			capability TEXT NOT NULL,
			version TEXT DEFAULT '1.0.0',
			description TEXT,
			tags TEXT DEFAULT '[]',
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			UNIQUE(agent_id, function_name)
		)`,
		`CREATE TABLE IF NOT EXISTS topology_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			namespace TEXT DEFAULT 'default',
			affected_capabilities TEXT DEFAULT '[]',
			timestamp TIMESTAMP DEFAULT NOW(),
			data TEXT DEFAULT '{}'
		)`,
		"CREATE INDEX IF NOT EXISTS idx_agents_namespace ON agents(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
		"CREATE INDEX IF NOT EXISTS idx_agents_updated_at ON agents(updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_capability ON capabilities(capability)",
		"CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON topology_events(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_events_agent ON topology_events(agent_id)",
	}
}
