// Package deliberation implements the slow lane: impact scoring, the dual
// path router, the deliberation queue with votes and watchdogs, and the
// multi-signature policy guard.
package deliberation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// highImpactKeywords is the frozen semantic keyword set. Density of matches
// drives the semantic factor and the high-semantic floor.
var highImpactKeywords = []string{
	"delete", "remove", "shutdown", "terminate", "override", "bypass",
	"escalate", "admin", "root", "sudo", "constitutional", "governance",
	"policy", "critical", "emergency", "production", "deploy", "security",
	"credential", "password", "key", "token", "payment", "transfer",
	"financial", "compliance", "audit", "privacy",
}

// ScorerWeights are the per-factor weights. Defaults sum to 1.0.
type ScorerWeights struct {
	Semantic   float64
	Permission float64
	Volume     float64
	Context    float64
	Drift      float64
	Priority   float64
	Type       float64
}

// DefaultWeights returns the production weight vector.
func DefaultWeights() ScorerWeights {
	return ScorerWeights{
		Semantic:   0.3,
		Permission: 0.2,
		Volume:     0.1,
		Context:    0.1,
		Drift:      0.1,
		Priority:   0.1,
		Type:       0.1,
	}
}

// Floors applied after the weighted sum.
const (
	criticalPriorityFloor = 0.9
	highSemanticFloor     = 0.8
)

// ImpactScorer estimates the potential consequence of a message in [0, 1].
type ImpactScorer struct {
	weights ScorerWeights

	mu     sync.Mutex
	recent map[string][]time.Time // agent -> recent send times for frequency
	now    func() time.Time
}

// NewImpactScorer creates a scorer with the given weights. Zero weights are
// replaced with the defaults.
func NewImpactScorer(weights ScorerWeights) *ImpactScorer {
	if weights == (ScorerWeights{}) {
		weights = DefaultWeights()
	}
	return &ImpactScorer{
		weights: weights,
		recent:  make(map[string][]time.Time),
		now:     time.Now,
	}
}

// ScoreBreakdown exposes the per-factor values behind a score.
type ScoreBreakdown struct {
	Semantic   float64 `json:"semantic"`
	Permission float64 `json:"permission"`
	Volume     float64 `json:"volume"`
	Context    float64 `json:"context"`
	Drift      float64 `json:"drift"`
	Priority   float64 `json:"priority"`
	Type       float64 `json:"type"`
	Total      float64 `json:"total"`
	Floor      string  `json:"floor,omitempty"`
}

// Score computes the weighted impact of a message, applies the override
// floors and clamps to [0, 1]. The score is also recorded on the message
// (write-once).
func (s *ImpactScorer) Score(msg *model.AgentMessage) float64 {
	breakdown := s.Breakdown(msg)
	msg.SetImpactScore(breakdown.Total)
	return breakdown.Total
}

// Breakdown computes the score with its per-factor decomposition.
func (s *ImpactScorer) Breakdown(msg *model.AgentMessage) ScoreBreakdown {
	text := strings.ToLower(fmt.Sprintf("%v %v", msg.Content, msg.Payload))

	b := ScoreBreakdown{
		Semantic:   semanticFactor(text),
		Permission: permissionFactor(msg),
		Volume:     volumeFactor(text),
		Context:    contextFactor(msg),
		Drift:      s.driftFactor(msg),
		Priority:   priorityFactor(msg.Priority),
		Type:       typeFactor(msg.MessageType),
	}

	total := b.Semantic*s.weights.Semantic +
		b.Permission*s.weights.Permission +
		b.Volume*s.weights.Volume +
		b.Context*s.weights.Context +
		b.Drift*s.weights.Drift +
		b.Priority*s.weights.Priority +
		b.Type*s.weights.Type

	// Override floors.
	if msg.Priority == model.PriorityCritical && total < criticalPriorityFloor {
		total = criticalPriorityFloor
		b.Floor = "critical_priority"
	}
	if b.Semantic >= 1.0 && total < highSemanticFloor {
		total = highSemanticFloor
		b.Floor = "high_semantic_density"
	}

	if total < 0 {
		total = 0
	}
	if total > 1 {
		total = 1
	}
	b.Total = total
	return b
}

// ScoreBatch scores messages in order. Pooled embedding scoring is an
// external capability; the batch path here shares the frequency window.
func (s *ImpactScorer) ScoreBatch(msgs []*model.AgentMessage) []float64 {
	out := make([]float64, len(msgs))
	for i, m := range msgs {
		out[i] = s.Score(m)
	}
	return out
}

func semanticFactor(text string) float64 {
	hits := 0
	for _, kw := range highImpactKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	switch {
	case hits >= 3:
		return 1.0
	case hits == 2:
		return 0.8
	case hits == 1:
		return 0.5
	default:
		return 0.1
	}
}

// permissionFactor infers criticality from tools or actions the content
// references.
func permissionFactor(msg *model.AgentMessage) float64 {
	highest := 0.1
	consider := func(verb string) {
		risk := permissionRisk(verb)
		if risk > highest {
			highest = risk
		}
	}
	if action, ok := msg.Content["action"].(string); ok {
		consider(action)
	}
	if tools, ok := msg.Content["tools"].([]interface{}); ok {
		for _, t := range tools {
			if s, ok := t.(string); ok {
				consider(s)
			}
		}
	}
	for key := range msg.Content {
		consider(key)
	}
	return highest
}

func permissionRisk(verb string) float64 {
	verb = strings.ToLower(verb)
	switch {
	case containsAny(verb, "execute", "delete", "write", "submit", "transfer"):
		return 0.9
	case containsAny(verb, "send", "update", "modify"):
		return 0.5
	case containsAny(verb, "read", "get", "list", "view"):
		return 0.2
	default:
		return 0.1
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func volumeFactor(text string) float64 {
	n := len(text)
	switch {
	case n >= 150:
		return 1.0
	case n >= 50:
		return 0.5
	case n >= 20:
		return 0.2
	default:
		return 0.1
	}
}

// contextFactor estimates blast radius from the declared agent context.
func contextFactor(msg *model.AgentMessage) float64 {
	if msg.ToAgent == "" {
		return 1.0 // broadcast intent
	}
	if n, ok := msg.Content["agent_count"].(float64); ok {
		f := n / 10.0
		if f > 1 {
			f = 1
		}
		if f < 0.1 {
			f = 0.1
		}
		return f
	}
	return 0.2
}

// driftFactor combines the drift estimate attached to the payload with the
// sender's recent send frequency over a sliding 60s window. A burst of sends
// from one agent raises drift even without an explicit estimate.
func (s *ImpactScorer) driftFactor(msg *model.AgentMessage) float64 {
	drift := 0.1
	if d, ok := msg.Payload["context_drift"].(float64); ok {
		if d < 0 {
			d = 0
		}
		if d > 1 {
			d = 1
		}
		drift = d
	}
	if freq := s.recordAndMeasureFrequency(msg.FromAgent); freq > drift {
		drift = freq
	}
	return drift
}

const frequencyWindow = 60 * time.Second

// recordAndMeasureFrequency appends a send timestamp for the agent, prunes
// the window and maps the windowed count to [0, 1] (saturating at 20/min).
func (s *ImpactScorer) recordAndMeasureFrequency(agentID string) float64 {
	if agentID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-frequencyWindow)
	kept := s.recent[agentID][:0]
	for _, t := range s.recent[agentID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.recent[agentID] = kept
	f := float64(len(kept)) / 20.0
	if f > 1 {
		f = 1
	}
	return f
}

func priorityFactor(p model.Priority) float64 {
	switch p {
	case model.PriorityCritical:
		return 1.0
	case model.PriorityHigh:
		return 0.7
	case model.PriorityNormal:
		return 0.5
	default:
		return 0.2
	}
}

func typeFactor(t model.MessageType) float64 {
	switch t {
	case model.TypeGovernanceRequest, model.TypeGovernanceResponse, model.TypeConstitutionalValidation:
		return 0.8
	case model.TypeCommand:
		return 0.4
	default:
		return 0.2
	}
}
