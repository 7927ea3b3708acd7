package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/acgs/agentbus/internal/model"
)

// EngineResult is the outcome of evaluating a message against a policy
// document.
type EngineResult struct {
	Allow         bool     `json:"allow"`
	Reasons       []string `json:"reasons"`
	PolicyVersion string   `json:"policy_version"`
}

// Evaluator is the policy-engine contract: evaluate a serialized message
// against a policy path.
type Evaluator interface {
	Evaluate(ctx context.Context, message map[string]interface{}, policyPath string) (*EngineResult, error)
}

// OPAEvaluator evaluates messages with embedded OPA. Policies are compiled
// once into prepared queries and reused on the hot path, avoiding the
// per-request compilation cost.
type OPAEvaluator struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy // policyPath -> prepared query
}

type compiledPolicy struct {
	query      rego.PreparedEvalQuery
	version    string
	compiledAt time.Time
}

// NewOPAEvaluator creates an evaluator with no policies loaded.
func NewOPAEvaluator() *OPAEvaluator {
	return &OPAEvaluator{policies: make(map[string]*compiledPolicy)}
}

// DefaultGovernancePolicy is the built-in rego module enforcing the
// constitutional hash on every evaluated message.
const DefaultGovernancePolicy = `package agentbus.governance

default decision := {"allow": false, "reasons": ["denied by default"], "policy_version": "1.0.0"}

decision := {"allow": true, "reasons": ["constitutional hash verified"], "policy_version": "1.0.0"} if {
	input.constitutional_hash == "` + model.ConstitutionalHash + `"
}
`

// LoadPolicy compiles a Rego module and registers it under a policy path.
// The module must define data.agentbus.governance.decision.
func (e *OPAEvaluator) LoadPolicy(ctx context.Context, policyPath, regoModule, version string) error {
	r := rego.New(
		rego.Query("data.agentbus.governance.decision"),
		rego.Module("policy.rego", regoModule),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego query: %w", err)
	}

	e.mu.Lock()
	e.policies[policyPath] = &compiledPolicy{
		query:      prepared,
		version:    version,
		compiledAt: time.Now(),
	}
	e.mu.Unlock()
	return nil
}

// Evaluate runs the prepared query for policyPath against the message.
// Missing policies and evaluation faults are denials: the engine fails
// closed.
func (e *OPAEvaluator) Evaluate(ctx context.Context, message map[string]interface{}, policyPath string) (*EngineResult, error) {
	e.mu.RLock()
	policy, ok := e.policies[policyPath]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no policy loaded for path %q", policyPath)
	}

	results, err := policy.query.Eval(ctx, rego.EvalInput(message))
	if err != nil {
		return nil, fmt.Errorf("opa evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &EngineResult{
			Allow:         false,
			Reasons:       []string{"policy returned no decision"},
			PolicyVersion: policy.version,
		}, nil
	}

	return extractDecision(results[0].Expressions[0].Value, policy.version), nil
}

// Loaded returns the registered policy paths.
func (e *OPAEvaluator) Loaded() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	paths := make([]string, 0, len(e.policies))
	for p := range e.policies {
		paths = append(paths, p)
	}
	return paths
}

func extractDecision(value interface{}, version string) *EngineResult {
	// Simple boolean form (data.x.allow style queries).
	if allowed, ok := value.(bool); ok {
		if allowed {
			return &EngineResult{Allow: true, Reasons: []string{"allowed by policy"}, PolicyVersion: version}
		}
		return &EngineResult{Allow: false, Reasons: []string{"denied by policy"}, PolicyVersion: version}
	}

	decision, ok := value.(map[string]interface{})
	if !ok {
		return &EngineResult{Allow: false, Reasons: []string{"unexpected policy result type"}, PolicyVersion: version}
	}

	out := &EngineResult{PolicyVersion: version}
	if v, ok := decision["policy_version"].(string); ok && v != "" {
		out.PolicyVersion = v
	}
	if reasons, ok := decision["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				out.Reasons = append(out.Reasons, s)
			}
		}
	}
	if allowed, ok := decision["allow"].(bool); ok && allowed {
		out.Allow = true
		return out
	}
	// Default deny (fail closed).
	out.Allow = false
	if len(out.Reasons) == 0 {
		out.Reasons = []string{"denied by default"}
	}
	return out
}
