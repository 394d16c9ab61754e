package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ProviderCandidate is a denormalized (agent, capability) row returned by
// ProvidersOf — everything the resolver needs to score a candidate without
// a second round trip.
type ProviderCandidate struct {
	AgentID       string
	Namespace     string
	Status        string
	HTTPHost      string
	HTTPPort      int
	FunctionName  string
	Capability    string
	Version       string
	Tags          []string
	LastHeartbeat *time.Time
}

// Store is the CRUD and indexed-query surface the registry, resolver, and
// health monitor are built on.
type Store struct {
	db *Database
}

// NewStore wraps an initialized Database.
func NewStore(db *Database) *Store {
	return &Store{db: db}
}

// Stats returns registry-wide counters for the optional /health metrics
// field, delegating to the underlying Database.
func (s *Store) Stats() (map[string]interface{}, error) {
	return s.db.GetStats()
}

// UpsertAgent creates or updates an agent row inside tx. On update every
// column is overwritten, status and last_heartbeat included: an empty
// agent.Status is written as "healthy" and a nil agent.LastHeartbeat is
// written as NULL.
func (s *Store) UpsertAgent(ctx context.Context, tx *sql.Tx, agent *Agent) error {
	status := agent.Status
	if status == "" {
		status = "healthy"
	}
	_, err := tx.ExecContext(ctx, s.db.UpsertAgentSQL(),
		agent.AgentID, agent.AgentType, agent.Name, agent.Version, agent.HTTPHost,
		agent.HTTPPort, agent.Namespace, agent.TotalDependencies, agent.DependenciesResolved,
		status, agent.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ReplaceCapabilities replaces the full capability set for an agent inside
// tx: deletes rows for function names no longer present, then upserts the
// rest, so a single transaction always leaves a consistent set.
func (s *Store) ReplaceCapabilities(ctx context.Context, tx *sql.Tx, agentID string, caps []Capability) error {
	keep := make([]string, 0, len(caps))
	for _, c := range caps {
		keep = append(keep, c.FunctionName)
	}

	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, "DELETE FROM capabilities WHERE agent_id = "+s.db.Placeholder(1), agentID)
		if err != nil {
			return fmt.Errorf("clear capabilities: %w", err)
		}
		return nil
	}

	placeholders := make([]string, len(keep))
	args := make([]interface{}, 0, len(keep)+1)
	args = append(args, agentID)
	for i, fn := range keep {
		placeholders[i] = s.db.Placeholder(i + 2)
		args = append(args, fn)
	}
	deleteSQL := fmt.Sprintf(
		"DELETE FROM capabilities WHERE agent_id = %s AND function_name NOT IN (%s)",
		s.db.Placeholder(1), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, deleteSQL, args...); err != nil {
		return fmt.Errorf("prune capabilities: %w", err)
	}

	for _, c := range caps {
		_, err := tx.ExecContext(ctx, s.db.UpsertCapabilitySQL(),
			agentID, c.FunctionName, c.Capability, c.Version, c.Description, c.TagsJSON())
		if err != nil {
			return fmt.Errorf("upsert capability %s: %w", c.FunctionName, err)
		}
	}
	return nil
}

// GetAgent fetches a single agent by id, or nil if it does not exist.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_id, agent_type, name, version, http_host, http_port,
		namespace, total_dependencies, dependencies_resolved, status, last_heartbeat, evicted_at,
		created_at, updated_at FROM agents WHERE agent_id = `+s.db.Placeholder(1), agentID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var httpHost, version sql.NullString
	var httpPort sql.NullInt64
	err := row.Scan(&a.AgentID, &a.AgentType, &a.Name, &version, &httpHost, &httpPort,
		&a.Namespace, &a.TotalDependencies, &a.DependenciesResolved, &a.Status,
		&a.LastHeartbeat, &a.EvictedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Version = version.String
	a.HTTPHost = httpHost.String
	a.HTTPPort = int(httpPort.Int64)
	return &a, nil
}

// ListAgents returns agents matching the optional namespace/status filters,
// most recently updated first.
func (s *Store) ListAgents(ctx context.Context, namespace, status string) ([]Agent, error) {
	conditions := []string{}
	args := []interface{}{}
	if namespace != "" {
		args = append(args, namespace)
		conditions = append(conditions, "namespace = "+s.db.Placeholder(len(args)))
	}
	if status != "" {
		args = append(args, status)
		conditions = append(conditions, "status = "+s.db.Placeholder(len(args)))
	}

	query := `SELECT agent_id, agent_type, name, version, http_host, http_port,
		namespace, total_dependencies, dependencies_resolved, status, last_heartbeat, evicted_at,
		created_at, updated_at FROM agents`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var version, httpHost sql.NullString
		var httpPort sql.NullInt64
		if err := rows.Scan(&a.AgentID, &a.AgentType, &a.Name, &version, &httpHost, &httpPort,
			&a.Namespace, &a.TotalDependencies, &a.DependenciesResolved, &a.Status,
			&a.LastHeartbeat, &a.EvictedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		a.Version = version.String
		a.HTTPHost = httpHost.String
		a.HTTPPort = int(httpPort.Int64)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetCapabilities returns the capability rows for one agent.
func (s *Store) GetCapabilities(ctx context.Context, agentID string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, function_name, capability, version,
		description, tags, created_at, updated_at FROM capabilities WHERE agent_id = `+s.db.Placeholder(1)+
		" ORDER BY function_name", agentID)
	if err != nil {
		return nil, fmt.Errorf("get capabilities: %w", err)
	}
	defer rows.Close()

	var caps []Capability
	for rows.Next() {
		var c Capability
		var description, tags sql.NullString
		if err := rows.Scan(&c.ID, &c.AgentID, &c.FunctionName, &c.Capability, &c.Version,
			&description, &tags, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan capability row: %w", err)
		}
		c.Description = description.String
		if tags.Valid {
			_ = c.SetTagsFromJSON(tags.String)
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// ProvidersOf returns every healthy-or-unhealthy (not evicted) provider of
// a capability, joined with its owning agent, ordered by most recent
// heartbeat first — the candidate pool the resolver scores.
func (s *Store) ProvidersOf(ctx context.Context, capability, namespace string) ([]ProviderCandidate, error) {
	args := []interface{}{capability}
	query := `SELECT a.agent_id, a.namespace, a.status, a.http_host, a.http_port,
		c.function_name, c.capability, c.version, c.tags, a.last_heartbeat
		FROM capabilities c
		JOIN agents a ON a.agent_id = c.agent_id
		WHERE c.capability = ` + s.db.Placeholder(1) + ` AND a.status != 'evicted'`
	if namespace != "" {
		args = append(args, namespace)
		query += " AND a.namespace = " + s.db.Placeholder(len(args))
	}
	query += " ORDER BY a.last_heartbeat DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("providers of %s: %w", capability, err)
	}
	defer rows.Close()

	var out []ProviderCandidate
	for rows.Next() {
		var p ProviderCandidate
		var httpHost sql.NullString
		var httpPort sql.NullInt64
		var tags sql.NullString
		if err := rows.Scan(&p.AgentID, &p.Namespace, &p.Status, &httpHost, &httpPort,
			&p.FunctionName, &p.Capability, &p.Version, &tags, &p.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan provider candidate: %w", err)
		}
		p.HTTPHost = httpHost.String
		p.HTTPPort = int(httpPort.Int64)
		if tags.Valid {
			_ = unmarshalJSON(tags.String, &p.Tags)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendEvent records a topology event and returns its assigned id, which
// becomes the low-water mark agents cursor past.
func (s *Store) AppendEvent(ctx context.Context, evt *TopologyEvent) (int64, error) {
	insertSQL := fmt.Sprintf(`INSERT INTO topology_events
		(event_type, agent_id, namespace, affected_capabilities, data)
		VALUES (%s, %s, %s, %s, %s)`,
		s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3), s.db.Placeholder(4), s.db.Placeholder(5))

	if s.db.IsPostgreSQL() {
		var id int64
		err := s.db.QueryRowContext(ctx, insertSQL+" RETURNING id",
			evt.EventType, evt.AgentID, evt.Namespace, evt.AffectedCapabilitiesJSON(), evt.Data).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("append event: %w", err)
		}
		return id, nil
	}

	result, err := s.db.ExecContext(ctx, insertSQL,
		evt.EventType, evt.AgentID, evt.Namespace, evt.AffectedCapabilitiesJSON(), evt.Data)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return result.LastInsertId()
}

// EventsAffecting returns topology events with id > sinceID whose
// affected_capabilities intersects labels, oldest first. Matching is done
// in Go rather than SQL since affected_capabilities is stored as a JSON
// array and the candidate set per agent is small.
func (s *Store) EventsAffecting(ctx context.Context, sinceID int64, labels []string) ([]TopologyEvent, error) {
	if len(labels) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, agent_id, namespace,
		affected_capabilities, timestamp, data FROM topology_events
		WHERE id > `+s.db.Placeholder(1)+" ORDER BY id ASC", sinceID)
	if err != nil {
		return nil, fmt.Errorf("events affecting: %w", err)
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	var out []TopologyEvent
	for rows.Next() {
		var e TopologyEvent
		var affected sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &e.Namespace, &affected, &e.Timestamp, &e.Data); err != nil {
			return nil, fmt.Errorf("scan topology event: %w", err)
		}
		if affected.Valid {
			_ = e.SetAffectedCapabilitiesFromJSON(affected.String)
		}
		for _, cap := range e.AffectedCapabilities {
			if wanted[cap] {
				out = append(out, e)
				break
			}
		}
	}
	return out, rows.Err()
}

// LatestEventID returns the id of the most recent topology event, or 0 if
// none have been recorded — the cursor a newly-registered agent starts
// from so it only sees events after its own registration.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM topology_events").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id.Int64, nil
}

// UpdateHeartbeat stamps last_heartbeat and flips status back to healthy —
// any status a deregistered/evicted agent had is reset the moment it's
// heard from again.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) (bool, error) {
	updateSQL := fmt.Sprintf(`UPDATE agents SET last_heartbeat = %s, status = 'healthy', updated_at = %s
		WHERE agent_id = %s`, s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3))
	result, err := s.db.ExecContext(ctx, updateSQL, at, at, agentID)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// UpdateStatus transitions an agent's health status without touching its
// heartbeat timestamp.
func (s *Store) UpdateStatus(ctx context.Context, agentID, status string) error {
	updateSQL := fmt.Sprintf(`UPDATE agents SET status = %s, updated_at = %s WHERE agent_id = %s`,
		s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3))
	_, err := s.db.ExecContext(ctx, updateSQL, status, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// EvictAgent marks an agent evicted, stamps evicted_at and deletes its
// capability rows in one transaction, used by the health monitor when an
// agent crosses the eviction threshold.
func (s *Store) EvictAgent(ctx context.Context, agentID string, at time.Time) error {
	updateSQL := fmt.Sprintf(`UPDATE agents SET status = 'evicted', evicted_at = %s, updated_at = %s
		WHERE agent_id = %s`, s.db.Placeholder(1), s.db.Placeholder(2), s.db.Placeholder(3))
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, updateSQL, at, at, agentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM capabilities WHERE agent_id = "+s.db.Placeholder(1), agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("evict agent: %w", err)
	}
	return nil
}

// DeleteAgent hard-deletes an evicted agent (and, via ON DELETE CASCADE,
// its capability rows) once the post-eviction grace window has elapsed.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE agent_id = "+s.db.Placeholder(1), agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// StaleAgents returns agents whose last_heartbeat (or created_at if never
// stamped) is older than cutoff and whose status is in statuses — the scan
// the health monitor runs every tick.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time, statuses []string) ([]Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, cutoff)
	for i, st := range statuses {
		placeholders[i] = s.db.Placeholder(i + 2)
		args = append(args, st)
	}
	query := fmt.Sprintf(`SELECT agent_id, agent_type, name, version, http_host, http_port,
		namespace, total_dependencies, dependencies_resolved, status, last_heartbeat, evicted_at,
		created_at, updated_at FROM agents
		WHERE COALESCE(last_heartbeat, created_at) < %s AND status IN (%s)`,
		s.db.Placeholder(1), strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stale agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var version, httpHost sql.NullString
		var httpPort sql.NullInt64
		if err := rows.Scan(&a.AgentID, &a.AgentType, &a.Name, &version, &httpHost, &httpPort,
			&a.Namespace, &a.TotalDependencies, &a.DependenciesResolved, &a.Status,
			&a.LastHeartbeat, &a.EvictedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		a.Version = version.String
		a.HTTPHost = httpHost.String
		a.HTTPPort = int(httpPort.Int64)
		out = append(out, a)
	}
	return out, rows.Err()
}

// EvictedBefore returns agent ids evicted before cutoff — deletion
// candidates once the grace window has passed.
func (s *Store) EvictedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agent_id FROM agents WHERE status = 'evicted' AND evicted_at < "+s.db.Placeholder(1), cutoff)
	if err != nil {
		return nil, fmt.Errorf("evicted before: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan evicted agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEventsOlderThan prunes topology_events rows older than cutoff,
// bounding table growth per the registry's retention policy.
func (s *Store) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM topology_events WHERE timestamp < "+s.db.Placeholder(1), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return result.RowsAffected()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
