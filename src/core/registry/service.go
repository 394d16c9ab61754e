package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
)

// capabilityKey is the set-equality tuple capability sets are diffed by:
// (function_name, capability, version, sorted tags).
type capabilityKey string

func keyOf(c CapabilityDeclaration) capabilityKey {
	tags := append([]string(nil), c.Tags...)
	sort.Strings(tags)
	return capabilityKey(fmt.Sprintf("%s\x00%s\x00%s\x00%s", c.FunctionName, c.Capability, c.Version, strings.Join(tags, ",")))
}

// RegistrationService implements the registration/heartbeat algorithm:
// upsert the agent row, diff and replace its capability set, resolve
// dependencies, and report back. Operations are serialized per agent_id
// via keyedMutex so concurrent calls for the same agent never interleave.
type RegistrationService struct {
	store     *database.Store
	resolver  *DependencyResolver
	topology  *TopologyNotifier
	validator *AgentRegistrationValidator
	locks     *keyedMutex
	logger    *logger.Logger
}

// NewRegistrationService wires a registration service from its
// collaborators.
func NewRegistrationService(store *database.Store, resolver *DependencyResolver, topology *TopologyNotifier, logger *logger.Logger) *RegistrationService {
	return &RegistrationService{
		store:     store,
		resolver:  resolver,
		topology:  topology,
		validator: NewAgentRegistrationValidator(),
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// RegisterAgent implements POST /agents/register: upsert, diff
// capabilities, resolve dependencies, and report back the canonical
// response shape.
func (s *RegistrationService) RegisterAgent(ctx context.Context, snap *AgentSnapshot) (*RegisterResponse, error) {
	return s.upsertAndResolve(ctx, snap)
}

// UpdateHeartbeat implements POST /agents/{id}/heartbeat: the same
// upsert-and-resolve path as registration, with the path's agent_id
// taking precedence over the body.
func (s *RegistrationService) UpdateHeartbeat(ctx context.Context, agentID string, snap *AgentSnapshot) (*RegisterResponse, error) {
	if snap == nil {
		snap = &AgentSnapshot{}
	}
	snap.AgentID = agentID
	return s.upsertAndResolve(ctx, snap)
}

func (s *RegistrationService) upsertAndResolve(ctx context.Context, snap *AgentSnapshot) (*RegisterResponse, error) {
	if err := s.validator.ValidateAgentSnapshot(snap); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(snap.AgentID)
	defer unlock()

	now := time.Now().UTC()
	namespace := snap.Namespace
	if namespace == "" {
		namespace = "default"
	}

	existing, err := s.store.GetAgent(ctx, snap.AgentID)
	if err != nil && err != sql.ErrNoRows {
		return nil, &TransientStoreError{Op: "get_agent", Err: err}
	}

	var previousCaps []database.Capability
	if existing != nil {
		previousCaps, err = s.store.GetCapabilities(ctx, snap.AgentID)
		if err != nil {
			return nil, &TransientStoreError{Op: "get_capabilities", Err: err}
		}
	}

	record := &database.Agent{
		AgentID:              snap.AgentID,
		AgentType:            snap.AgentType,
		Name:                 snap.Name,
		Version:              snap.Version,
		HTTPHost:             snap.HTTPHost,
		HTTPPort:             snap.HTTPPort,
		Namespace:            namespace,
		TotalDependencies:    countDependencies(snap.Capabilities),
		DependenciesResolved: 0,
		Status:               "healthy",
		LastHeartbeat:        &now,
	}

	newCaps := toCapabilityRows(snap.AgentID, snap.Capabilities, now)
	capsChanged := capabilitiesChanged(previousCaps, newCaps)
	endpointChanged := existing != nil && (existing.HTTPHost != snap.HTTPHost || existing.HTTPPort != snap.HTTPPort || existing.Version != snap.Version)
	changed := capsChanged || endpointChanged

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpsertAgent(ctx, tx, record); err != nil {
			return err
		}
		if capsChanged {
			if err := s.store.ReplaceCapabilities(ctx, tx, snap.AgentID, newCaps); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &TransientStoreError{Op: "upsert_agent", Err: err}
	}

	if changed {
		eventType := "register"
		if existing != nil {
			eventType = "update"
		}
		affected := unionCapabilityLabels(previousCaps, snap.Capabilities)
		evt := &database.TopologyEvent{
			EventType:            eventType,
			AgentID:              snap.AgentID,
			Namespace:            namespace,
			AffectedCapabilities: affected,
			Timestamp:            now,
		}
		if _, err := s.store.AppendEvent(ctx, evt); err != nil {
			s.logger.Error("failed to append %s event for %s: %v", eventType, snap.AgentID, err)
		}
	}

	resolved := make(map[string]DependencyResolution)
	var dependencyLabels []string
	for _, cap := range snap.Capabilities {
		for _, dep := range cap.Dependencies {
			dependencyLabels = append(dependencyLabels, dep.Capability)
			res := s.resolver.ResolveDeclaration(ctx, dep, snap.AgentID, namespace)
			if res == nil {
				continue
			}
			resolved[cap.FunctionName] = *res
		}
	}

	if err := s.store.UpdateStatus(ctx, snap.AgentID, "healthy"); err != nil {
		s.logger.Error("failed to mark %s healthy post-resolve: %v", snap.AgentID, err)
	}

	if s.topology != nil {
		lastEventID, err := s.store.LatestEventID(ctx)
		if err != nil {
			s.logger.Error("failed to read latest event id for %s: %v", snap.AgentID, err)
		}
		s.topology.Track(snap.AgentID, dependencyLabels, lastEventID)
	}

	return &RegisterResponse{
		AgentID:              snap.AgentID,
		RegisteredAt:         now.Format(time.RFC3339),
		ResolvedDependencies: resolved,
		DependenciesResolved: len(resolved),
		TotalDependencies:    record.TotalDependencies,
	}, nil
}

// ProbeHeartbeat implements HEAD /agents/{id}/heartbeat.
func (s *RegistrationService) ProbeHeartbeat(ctx context.Context, agentID string) probeResult {
	agent, err := s.store.GetAgent(ctx, agentID)
	known := err == nil && agent != nil && agent.Status != "evicted"
	return s.topology.Probe(ctx, agentID, known)
}

// DeregisterAgent implements DELETE /agents/{id}.
func (s *RegistrationService) DeregisterAgent(ctx context.Context, agentID string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return &NotFoundError{Resource: "agent", ID: agentID}
	}

	caps, _ := s.store.GetCapabilities(ctx, agentID)
	labels := make([]string, 0, len(caps))
	for _, c := range caps {
		labels = append(labels, c.Capability)
	}

	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		return &PermanentStoreError{Op: "delete_agent", Key: agentID, Err: err}
	}

	evt := &database.TopologyEvent{
		EventType:            "deregister",
		AgentID:              agentID,
		Namespace:            agent.Namespace,
		AffectedCapabilities: labels,
		Timestamp:            time.Now().UTC(),
	}
	if _, err := s.store.AppendEvent(ctx, evt); err != nil {
		s.logger.Error("failed to append deregister event for %s: %v", agentID, err)
	}

	if s.topology != nil {
		s.topology.Forget(agentID)
	}
	s.locks.Forget(agentID)
	return nil
}

// ListAgents implements GET /agents.
func (s *RegistrationService) ListAgents(ctx context.Context, namespace, status string) ([]database.Agent, error) {
	agents, err := s.store.ListAgents(ctx, namespace, status)
	if err != nil {
		return nil, &TransientStoreError{Op: "list_agents", Err: err}
	}
	return agents, nil
}

// Discover implements GET /services/discover/{capability}.
func (s *RegistrationService) Discover(ctx context.Context, spec DependencySpec) *DependencyResolution {
	return s.resolver.Resolve(ctx, spec, "", "")
}

func countDependencies(caps []CapabilityDeclaration) int {
	n := 0
	for _, c := range caps {
		n += len(c.Dependencies)
	}
	return n
}

func toCapabilityRows(agentID string, decls []CapabilityDeclaration, now time.Time) []database.Capability {
	rows := make([]database.Capability, 0, len(decls))
	for _, d := range decls {
		rows = append(rows, database.Capability{
			AgentID:      agentID,
			FunctionName: d.FunctionName,
			Capability:   d.Capability,
			Version:      d.Version,
			Description:  d.Description,
			Tags:         d.Tags,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return rows
}

// capabilitiesChanged reports whether the capability set changed, by the
// same set-equality tuple as keyOf: (function_name, capability, version,
// sorted tags).
func capabilitiesChanged(previous []database.Capability, next []database.Capability) bool {
	if len(previous) != len(next) {
		return true
	}
	prevKeys := make(map[capabilityKey]bool, len(previous))
	for _, c := range previous {
		prevKeys[keyOf(CapabilityDeclaration{FunctionName: c.FunctionName, Capability: c.Capability, Version: c.Version, Tags: c.Tags})] = true
	}
	for _, c := range next {
		key := keyOf(CapabilityDeclaration{FunctionName: c.FunctionName, Capability: c.Capability, Version: c.Version, Tags: c.Tags})
		if !prevKeys[key] {
			return true
		}
	}
	return false
}

func unionCapabilityLabels(previous []database.Capability, next []CapabilityDeclaration) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range previous {
		if !seen[c.Capability] {
			seen[c.Capability] = true
			out = append(out, c.Capability)
		}
	}
	for _, c := range next {
		if !seen[c.Capability] {
			seen[c.Capability] = true
			out = append(out, c.Capability)
		}
	}
	return out
}
