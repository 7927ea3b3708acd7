// Package maci enforces the three-branch role separation (executive,
// legislative, judicial) over agent actions. Its purpose is to make the
// attestation loop impossible: no agent may validate an output it produced,
// and only judicial agents may validate at all.
package maci

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// Role is a branch of the separation-of-powers model.
type Role string

const (
	RoleExecutive   Role = "executive"   // proposes decisions
	RoleLegislative Role = "legislative" // extracts and synthesizes rules
	RoleJudicial    Role = "judicial"    // validates and audits
)

// Action is an operation an agent may attempt.
type Action string

const (
	ActionPropose           Action = "propose"
	ActionValidate          Action = "validate"
	ActionExtractRules      Action = "extract_rules"
	ActionSynthesize        Action = "synthesize"
	ActionAudit             Action = "audit"
	ActionQuery             Action = "query"
	ActionEmergencyCooldown Action = "emergency_cooldown"
)

// rolePermissions maps each role to the actions it may perform.
var rolePermissions = map[Role]map[Action]struct{}{
	RoleExecutive: {
		ActionPropose: {}, ActionSynthesize: {}, ActionQuery: {},
	},
	RoleLegislative: {
		ActionExtractRules: {}, ActionSynthesize: {}, ActionQuery: {},
	},
	RoleJudicial: {
		ActionValidate: {}, ActionAudit: {}, ActionQuery: {},
		ActionEmergencyCooldown: {},
	},
}

// validationConstraints lists which producer roles a validator role may
// validate. Judicial validates executive and legislative output only.
var validationConstraints = map[Role]map[Role]struct{}{
	RoleJudicial: {RoleExecutive: {}, RoleLegislative: {}},
}

// ActionForMessage maps a message type to the MACI action it implies.
// Message types with no governance meaning map to the universal query
// action.
func ActionForMessage(t model.MessageType) Action {
	switch t {
	case model.TypeGovernanceRequest, model.TypeGovernanceResponse, model.TypeCommand:
		return ActionPropose
	case model.TypeConstitutionalValidation:
		return ActionValidate
	case model.TypeTaskRequest, model.TypeTaskResponse:
		return ActionSynthesize
	case model.TypeAuditLog:
		return ActionAudit
	default:
		return ActionQuery
	}
}

// ParseRole converts a string to a Role. Returns false for unknown values.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleExecutive, RoleLegislative, RoleJudicial:
		return Role(s), true
	}
	return "", false
}

// ============================================================================
// TYPED VIOLATIONS
// ============================================================================

// Violation is the common shape of every role-separation error. Callers
// surface it as is_valid=false with the role and action in the error text.
type Violation struct {
	AgentID string
	Role    Role
	Action  Action
	Kind    string
	Detail  string
}

func (v *Violation) Error() string {
	if v.Role == "" {
		return fmt.Sprintf("maci %s: agent %q attempting %q: %s", v.Kind, v.AgentID, v.Action, v.Detail)
	}
	return fmt.Sprintf("maci %s: agent %q (role %s) attempting %q: %s", v.Kind, v.AgentID, v.Role, v.Action, v.Detail)
}

// Violation kinds.
const (
	KindNoRole    = "role_not_assigned"
	KindForbidden = "role_violation"
	KindSelf      = "self_validation"
	KindCrossRole = "cross_role_violation"
)

// AsViolation unwraps an error into a Violation, if it is one.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// ============================================================================
// REGISTRY
// ============================================================================

// AgentRecord tracks an agent's role binding and the outputs it produced.
// Output ownership is exclusive.
type AgentRecord struct {
	AgentID      string
	Role         Role
	Outputs      map[string]struct{}
	Metadata     map[string]interface{}
	RegisteredAt time.Time
}

// OwnsOutput reports whether this agent produced the given output.
func (r *AgentRecord) OwnsOutput(outputID string) bool {
	_, ok := r.Outputs[outputID]
	return ok
}

// CanPerform reports whether the agent's role permits an action.
func (r *AgentRecord) CanPerform(action Action) bool {
	_, ok := rolePermissions[r.Role][action]
	return ok
}

// CanValidateRole reports whether the agent may validate outputs produced
// by the target role.
func (r *AgentRecord) CanValidateRole(target Role) bool {
	_, ok := validationConstraints[r.Role][target]
	return ok
}

// Registry maps agents to role bindings and output ids to producers.
type Registry struct {
	mu            sync.RWMutex
	agents        map[string]*AgentRecord
	outputToAgent map[string]string
}

// NewRegistry creates an empty role registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:        make(map[string]*AgentRecord),
		outputToAgent: make(map[string]string),
	}
}

// Register binds an agent to a role. Re-registering with a different role
// fails without mutating the prior binding.
func (r *Registry) Register(agentID string, role Role, metadata map[string]interface{}) (*AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentID]; ok {
		if existing.Role != role {
			return nil, fmt.Errorf("agent %q already bound to role %s", agentID, existing.Role)
		}
		return existing, nil
	}
	record := &AgentRecord{
		AgentID:      agentID,
		Role:         role,
		Outputs:      make(map[string]struct{}),
		Metadata:     metadata,
		RegisteredAt: time.Now().UTC(),
	}
	r.agents[agentID] = record
	return record, nil
}

// Unregister removes an agent and every output mapping it owns.
func (r *Registry) Unregister(agentID string) *AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	delete(r.agents, agentID)
	for outputID := range record.Outputs {
		delete(r.outputToAgent, outputID)
	}
	return record
}

// Get returns the record for an agent, or nil.
func (r *Registry) Get(agentID string) *AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// RecordOutput marks an agent as the exclusive producer of an output id.
func (r *Registry) RecordOutput(agentID, outputID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %q not registered", agentID)
	}
	if owner, taken := r.outputToAgent[outputID]; taken && owner != agentID {
		return fmt.Errorf("output %q already owned by %q", outputID, owner)
	}
	record.Outputs[outputID] = struct{}{}
	r.outputToAgent[outputID] = agentID
	return nil
}

// OutputProducer returns the agent that produced an output, or "".
func (r *Registry) OutputProducer(outputID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outputToAgent[outputID]
}

// AgentsByRole lists agents bound to a role.
func (r *Registry) AgentsByRole(role Role) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentRecord
	for _, rec := range r.agents {
		if rec.Role == role {
			out = append(out, rec)
		}
	}
	return out
}

// Size returns the number of registered agents.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ============================================================================
// ENFORCER
// ============================================================================

// Enforcer validates agent actions against the permission matrix and the
// self/cross-role validation constraints.
type Enforcer struct {
	registry   *Registry
	strictMode bool
}

// NewEnforcer creates an enforcer. In strict mode, agents with no role
// binding are rejected; non-strict permits them.
func NewEnforcer(registry *Registry, strictMode bool) *Enforcer {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Enforcer{registry: registry, strictMode: strictMode}
}

// Registry exposes the underlying role registry.
func (e *Enforcer) Registry() *Registry { return e.registry }

// ValidateAction checks that an agent may perform an action, optionally
// against a concrete output and target agent. A nil return means allowed;
// otherwise the error is a *Violation.
func (e *Enforcer) ValidateAction(agentID string, action Action, targetOutputID, targetAgentID string) error {
	record := e.registry.Get(agentID)
	if record == nil {
		if e.strictMode {
			return &Violation{
				AgentID: agentID, Action: action,
				Kind: KindNoRole, Detail: "no role binding",
			}
		}
		return nil
	}

	if !record.CanPerform(action) {
		return &Violation{
			AgentID: agentID, Role: record.Role, Action: action,
			Kind: KindForbidden, Detail: "action not permitted for role",
		}
	}

	if action == ActionValidate {
		return e.checkValidationConstraints(record, targetOutputID, targetAgentID)
	}
	return nil
}

// ValidateMessage derives the action from the message type and validates
// the sender. Content key "target_output_id" names the output under
// validation.
func (e *Enforcer) ValidateMessage(msg *model.AgentMessage) error {
	action := ActionForMessage(msg.MessageType)
	targetOutputID := ""
	if v, ok := msg.Content["target_output_id"].(string); ok {
		targetOutputID = v
	}
	targetAgentID := ""
	if action == ActionValidate {
		targetAgentID = msg.ToAgent
	}
	return e.ValidateAction(msg.FromAgent, action, targetOutputID, targetAgentID)
}

func (e *Enforcer) checkValidationConstraints(validator *AgentRecord, targetOutputID, targetAgentID string) error {
	if targetOutputID != "" {
		producer := e.registry.OutputProducer(targetOutputID)
		if validator.OwnsOutput(targetOutputID) || producer == validator.AgentID {
			return &Violation{
				AgentID: validator.AgentID, Role: validator.Role, Action: ActionValidate,
				Kind: KindSelf, Detail: fmt.Sprintf("output %q was produced by the validator", targetOutputID),
			}
		}
		if targetAgentID == "" && producer != "" {
			targetAgentID = producer
		}
	}

	if targetAgentID != "" && targetAgentID != validator.AgentID {
		target := e.registry.Get(targetAgentID)
		if target != nil && !validator.CanValidateRole(target.Role) {
			return &Violation{
				AgentID: validator.AgentID, Role: validator.Role, Action: ActionValidate,
				Kind:   KindCrossRole,
				Detail: fmt.Sprintf("role %s may not validate %s outputs", validator.Role, target.Role),
			}
		}
	}
	return nil
}
