package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"mcp-mesh/src/core/database"
	"mcp-mesh/src/core/logger"
)

// DependencyResolver picks the best live provider for a dependency
// declaration. Candidates come from Store.ProvidersOf and are scored by
// Matcher.MatchTags plus a recency bonus.
type DependencyResolver struct {
	store   *database.Store
	matcher *Matcher
	logger  *logger.Logger
}

// NewDependencyResolver creates a resolver bound to store.
func NewDependencyResolver(store *database.Store, logger *logger.Logger) *DependencyResolver {
	return &DependencyResolver{
		store:   store,
		matcher: NewMatcher(logger),
		logger:  logger,
	}
}

// Resolve picks a single provider for spec among agents in namespace
// (empty namespace means no namespace filter applies before scoring;
// self-resolution across namespaces is handled by the caller passing
// requesterNamespace/requesterID). Returns nil if no candidate matches.
func (r *DependencyResolver) Resolve(ctx context.Context, spec DependencySpec, requesterID, requesterNamespace string) *DependencyResolution {
	namespace := spec.Namespace
	candidates, err := r.store.ProvidersOf(ctx, spec.Capability, namespace)
	if err != nil {
		r.logger.Error("resolve %s: providers query failed: %v", spec.Capability, err)
		return nil
	}

	type scored struct {
		candidate database.ProviderCandidate
		score     int
	}
	var matches []scored

	for _, c := range candidates {
		if c.Status == "unhealthy" {
			continue
		}
		// Self-resolution is only permitted when the declaration's
		// namespace explicitly matches the requester's own namespace;
		// otherwise an agent never depends on its own capability.
		if c.AgentID == requesterID && spec.Namespace == "" {
			continue
		}
		if c.AgentID == requesterID && spec.Namespace != requesterNamespace {
			continue
		}

		ok, score := r.matcher.MatchCandidate(Candidate{
			AgentID:      c.AgentID,
			FunctionName: c.FunctionName,
			Capability:   c.Capability,
			Version:      c.Version,
			Tags:         c.Tags,
		}, spec)
		if !ok {
			continue
		}
		score += freshnessBonus(c.LastHeartbeat)
		matches = append(matches, scored{candidate: c, score: score})
	}

	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		hi, hj := heartbeatOrZero(matches[i].candidate.LastHeartbeat), heartbeatOrZero(matches[j].candidate.LastHeartbeat)
		if !hi.Equal(hj) {
			return hi.After(hj)
		}
		return matches[i].candidate.AgentID < matches[j].candidate.AgentID
	})

	best := matches[0].candidate
	return &DependencyResolution{
		AgentID:      best.AgentID,
		FunctionName: best.FunctionName,
		Endpoint:     endpointFor(best),
		Capability:   best.Capability,
		Score:        matches[0].score,
	}
}

// ResolveDeclaration resolves one DependencyDeclaration, trying its
// Alternatives in order after the primary spec, first match wins (see
// SPEC_FULL.md "OR-alternative dependency groups").
func (r *DependencyResolver) ResolveDeclaration(ctx context.Context, dep DependencyDeclaration, requesterID, requesterNamespace string) *DependencyResolution {
	if res := r.Resolve(ctx, parseDependencySpec(dep), requesterID, requesterNamespace); res != nil {
		return res
	}
	for _, alt := range dep.Alternatives {
		if res := r.Resolve(ctx, parseDependencySpec(alt), requesterID, requesterNamespace); res != nil {
			return res
		}
	}
	return nil
}

// freshnessBonus is a small monotone function of recency: a heartbeat in
// the last second scores 4, decaying to 0 once it is a minute old.
func freshnessBonus(lastHeartbeat *time.Time) int {
	if lastHeartbeat == nil {
		return 0
	}
	age := time.Since(*lastHeartbeat)
	switch {
	case age < time.Second:
		return 4
	case age < 5*time.Second:
		return 3
	case age < 15*time.Second:
		return 2
	case age < 60*time.Second:
		return 1
	default:
		return 0
	}
}

func heartbeatOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func endpointFor(c database.ProviderCandidate) string {
	if c.HTTPHost != "" && c.HTTPPort > 0 {
		return c.HTTPHost + ":" + strconv.Itoa(c.HTTPPort)
	}
	return "stdio://" + c.AgentID
}
