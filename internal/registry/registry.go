// Package registry holds agent records and the routers that resolve message
// targets. Two registry backends share one interface: an in-memory map for
// single-instance deployments and a Redis hash for distributed ones.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// AgentRecord describes a registered agent. The registry owns the record;
// callers receive copies.
type AgentRecord struct {
	AgentID      string                 `json:"agent_id"`
	AgentType    string                 `json:"agent_type"`
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	MACIRole     string                 `json:"maci_role,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
}

// HasCapabilities reports whether the record's capability set is a superset
// of required.
func (r *AgentRecord) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func (r *AgentRecord) clone() *AgentRecord {
	out := *r
	out.Capabilities = append([]string{}, r.Capabilities...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// AgentRegistry is the registry contract shared by the in-memory and Redis
// backends. Register is insert-only: the first writer wins.
type AgentRegistry interface {
	Register(ctx context.Context, record *AgentRecord) (bool, error)
	Unregister(ctx context.Context, agentID string) (bool, error)
	Get(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	Exists(ctx context.Context, agentID string) (bool, error)
	UpdateMetadata(ctx context.Context, agentID string, metadata map[string]interface{}) (bool, error)
}

// ============================================================================
// IN-MEMORY REGISTRY
// ============================================================================

// InMemoryRegistry is the mutex-guarded map backend.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{agents: make(map[string]*AgentRecord)}
}

// Register inserts a record. Returns false when the id already exists; the
// prior record is untouched.
func (r *InMemoryRegistry) Register(_ context.Context, record *AgentRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[record.AgentID]; ok {
		return false, nil
	}
	stored := record.clone()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	stored.TenantID = model.NormalizeTenant(stored.TenantID)
	r.agents[record.AgentID] = stored
	return true, nil
}

// Unregister removes a record, reporting whether one existed.
func (r *InMemoryRegistry) Unregister(_ context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false, nil
	}
	delete(r.agents, agentID)
	return true, nil
}

// Get returns a copy of the record, or nil when absent.
func (r *InMemoryRegistry) Get(_ context.Context, agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[agentID]
	if !ok {
		return nil, nil
	}
	return record.clone(), nil
}

// ListAgents returns copies of every record.
func (r *InMemoryRegistry) ListAgents(_ context.Context) ([]*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		out = append(out, record.clone())
	}
	return out, nil
}

// Exists reports whether an id is registered.
func (r *InMemoryRegistry) Exists(_ context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok, nil
}

// UpdateMetadata deep-merges metadata into an existing record.
func (r *InMemoryRegistry) UpdateMetadata(_ context.Context, agentID string, metadata map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return false, nil
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]interface{}, len(metadata))
	}
	deepMerge(record.Metadata, metadata)
	return true, nil
}

// deepMerge folds src into dst, recursing into nested maps.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// encodeRecord / decodeRecord are the wire helpers shared with the Redis
// backend.
func encodeRecord(record *AgentRecord) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(raw []byte) (*AgentRecord, error) {
	var record AgentRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
