package registry

import (
	"context"
	"fmt"

	"github.com/acgs/agentbus/internal/model"
)

// DirectRouter resolves a message's to_agent against the registry and
// refuses to cross tenant boundaries.
type DirectRouter struct {
	registry AgentRegistry
}

// NewDirectRouter builds a router over any registry backend.
func NewDirectRouter(registry AgentRegistry) *DirectRouter {
	return &DirectRouter{registry: registry}
}

// Route returns the target agent id when it exists and its tenant matches
// the message tenant. Tenant comparison is over normalized ids.
func (r *DirectRouter) Route(ctx context.Context, msg *model.AgentMessage) (string, error) {
	if msg.ToAgent == "" {
		return "", fmt.Errorf("message %s has no target agent", msg.MessageID)
	}
	record, err := r.registry.Get(ctx, msg.ToAgent)
	if err != nil {
		return "", fmt.Errorf("route lookup: %w", err)
	}
	if record == nil {
		return "", fmt.Errorf("target agent %q not registered", msg.ToAgent)
	}
	if model.NormalizeTenant(record.TenantID) != model.NormalizeTenant(msg.TenantID) {
		return "", fmt.Errorf("tenant mismatch routing to %q", msg.ToAgent)
	}
	return record.AgentID, nil
}

// CapabilityRouter resolves a target by required capability set rather than
// by name.
type CapabilityRouter struct {
	registry AgentRegistry
}

// NewCapabilityRouter builds a capability-aware router.
func NewCapabilityRouter(registry AgentRegistry) *CapabilityRouter {
	return &CapabilityRouter{registry: registry}
}

// Route reads content.required_capabilities and returns the first agent
// whose capability set is a superset. Iteration order is registry order and
// carries no guarantee.
func (r *CapabilityRouter) Route(ctx context.Context, msg *model.AgentMessage) (string, error) {
	required := requiredCapabilities(msg)
	if len(required) == 0 {
		return "", fmt.Errorf("message %s declares no required capabilities", msg.MessageID)
	}
	agents, err := r.registry.ListAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("capability route: %w", err)
	}
	tenant := model.NormalizeTenant(msg.TenantID)
	for _, record := range agents {
		if record.AgentID == msg.FromAgent {
			continue
		}
		if model.NormalizeTenant(record.TenantID) != tenant {
			continue
		}
		if record.HasCapabilities(required) {
			return record.AgentID, nil
		}
	}
	return "", fmt.Errorf("no agent satisfies capabilities %v", required)
}

func requiredCapabilities(msg *model.AgentMessage) []string {
	raw, ok := msg.Content["required_capabilities"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// BroadcastTargets lists every agent except the sender and explicit
// exclusions, filtered to the sender's tenant when one is set.
func BroadcastTargets(ctx context.Context, registry AgentRegistry, sender, tenantID string, exclude ...string) ([]string, error) {
	agents, err := registry.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("broadcast targets: %w", err)
	}
	excluded := make(map[string]struct{}, len(exclude)+1)
	excluded[sender] = struct{}{}
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	tenant := model.NormalizeTenant(tenantID)
	var out []string
	for _, record := range agents {
		if _, skip := excluded[record.AgentID]; skip {
			continue
		}
		if tenant != "" && model.NormalizeTenant(record.TenantID) != tenant {
			continue
		}
		out = append(out, record.AgentID)
	}
	return out, nil
}
