package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// AgentRegistrationValidator validates an AgentSnapshot before it reaches
// the store, grounded on Kubernetes-style DNS label naming.
type AgentRegistrationValidator struct {
	agentNamePattern       *regexp.Regexp
	capabilityNamePattern  *regexp.Regexp
	semanticVersionPattern *regexp.Regexp
}

// NewAgentRegistrationValidator creates a validator instance.
func NewAgentRegistrationValidator() *AgentRegistrationValidator {
	return &AgentRegistrationValidator{
		agentNamePattern:       regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`),
		capabilityNamePattern:  regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`),
		semanticVersionPattern: regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9-]+)?$`),
	}
}

// ValidateAgentSnapshot validates a full registration/heartbeat body.
func (v *AgentRegistrationValidator) ValidateAgentSnapshot(snap *AgentSnapshot) error {
	if snap == nil {
		return ValidationError{Field: "request", Message: "request cannot be nil"}
	}

	if err := v.validateAgentID(snap.AgentID); err != nil {
		return err
	}

	if snap.Name != "" {
		if err := v.validateAgentName(snap.Name); err != nil {
			return err
		}
	}

	if snap.Namespace != "" {
		if err := v.validateNamespace(snap.Namespace); err != nil {
			return err
		}
	}

	if snap.Endpoint != "" {
		if err := v.validateEndpoint(snap.Endpoint); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(snap.Capabilities))
	for i, c := range snap.Capabilities {
		if err := v.validateCapabilityName(c.FunctionName); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("capabilities[%d].function_name", i),
				Message: err.Error(),
			}
		}
		if seen[c.FunctionName] {
			return &ConflictError{
				Code:    "duplicate_function_name",
				Message: fmt.Sprintf("function_name %q declared more than once", c.FunctionName),
			}
		}
		seen[c.FunctionName] = true

		if c.Version != "" {
			if err := v.validateSemanticVersion(c.Version); err != nil {
				return ValidationError{
					Field:   fmt.Sprintf("capabilities[%d].version", i),
					Message: err.Error(),
				}
			}
		}
	}

	return nil
}

func (v *AgentRegistrationValidator) validateAgentID(agentID string) error {
	if agentID == "" {
		return ValidationError{Field: "agent_id", Message: "agent_id is required"}
	}
	if len(agentID) > 253 {
		return ValidationError{Field: "agent_id", Message: "agent_id cannot exceed 253 characters"}
	}
	normalized := normalizeName(agentID)
	if !v.agentNamePattern.MatchString(normalized) {
		return ValidationError{
			Field:   "agent_id",
			Message: "agent_id must contain only lowercase alphanumeric characters and hyphens",
		}
	}
	return nil
}

func (v *AgentRegistrationValidator) validateAgentName(name string) error {
	if len(name) > 63 {
		return ValidationError{Field: "name", Message: "name cannot exceed 63 characters"}
	}
	normalized := normalizeName(name)
	if !v.agentNamePattern.MatchString(normalized) {
		return ValidationError{
			Field:   "name",
			Message: "name must contain only lowercase alphanumeric characters and hyphens",
		}
	}
	return nil
}

func (v *AgentRegistrationValidator) validateNamespace(namespace string) error {
	if len(namespace) > 63 {
		return ValidationError{Field: "namespace", Message: "namespace cannot exceed 63 characters"}
	}
	if !v.agentNamePattern.MatchString(namespace) {
		return ValidationError{
			Field:   "namespace",
			Message: "namespace must contain only lowercase alphanumeric characters and hyphens",
		}
	}
	return nil
}

func (v *AgentRegistrationValidator) validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil
	}

	if strings.HasPrefix(endpoint, "stdio://") {
		return nil
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return ValidationError{
			Field:   "endpoint",
			Message: "endpoint must be a valid HTTP/HTTPS URL or stdio:// protocol",
		}
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return ValidationError{
			Field:   "endpoint",
			Message: fmt.Sprintf("endpoint must be a valid URL: %s", err.Error()),
		}
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return ValidationError{Field: "endpoint", Message: "endpoint must use http or https scheme"}
	}
	if parsedURL.Host == "" {
		return ValidationError{Field: "endpoint", Message: "endpoint must include a valid host"}
	}
	return nil
}

func (v *AgentRegistrationValidator) validateCapabilityName(name string) error {
	if name == "" {
		return fmt.Errorf("function_name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("function_name cannot exceed 100 characters")
	}
	if !v.capabilityNamePattern.MatchString(name) {
		return fmt.Errorf("function_name must start with a letter and contain only letters, numbers, underscores, and hyphens")
	}
	return nil
}

func (v *AgentRegistrationValidator) validateSemanticVersion(version string) error {
	if !v.semanticVersionPattern.MatchString(version) {
		return fmt.Errorf("version must follow semantic versioning format (e.g., '1.0.0' or '1.0.0-alpha')")
	}
	return nil
}

// normalizeName lowercases the name and trims surrounding whitespace; it
// removes no other characters, so disallowed ones are left for the
// validator to reject.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
