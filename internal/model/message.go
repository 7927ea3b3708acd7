// Package model defines the message entity, enumerations and validation
// result shared by every layer of the agent bus.
package model

import (
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConstitutionalHash is the canonical 16-hex identity of the policy regime
// the bus operates under. Every message crossing the bus must carry it.
const ConstitutionalHash = "cdd01ef066bc6cf2"

// MessageType tags the intent of an agent message.
type MessageType string

const (
	TypeCommand                  MessageType = "command"
	TypeQuery                    MessageType = "query"
	TypeResponse                 MessageType = "response"
	TypeEvent                    MessageType = "event"
	TypeNotification             MessageType = "notification"
	TypeHeartbeat                MessageType = "heartbeat"
	TypeGovernanceRequest        MessageType = "governance_request"
	TypeGovernanceResponse       MessageType = "governance_response"
	TypeConstitutionalValidation MessageType = "constitutional_validation"
	TypeTaskRequest              MessageType = "task_request"
	TypeTaskResponse             MessageType = "task_response"
	TypeAuditLog                 MessageType = "audit_log"
)

// AllMessageTypes lists every message type, in declaration order.
var AllMessageTypes = []MessageType{
	TypeCommand, TypeQuery, TypeResponse, TypeEvent, TypeNotification,
	TypeHeartbeat, TypeGovernanceRequest, TypeGovernanceResponse,
	TypeConstitutionalValidation, TypeTaskRequest, TypeTaskResponse,
	TypeAuditLog,
}

// Priority orders messages by urgency.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// MessageStatus tracks a message through the bus lifecycle.
// Transitions: Pending -> Processing -> (Validated|Failed) ->
// (Delivered|PendingDeliberation|Failed|Expired).
type MessageStatus string

const (
	StatusPending             MessageStatus = "pending"
	StatusProcessing          MessageStatus = "processing"
	StatusValidated           MessageStatus = "validated"
	StatusDelivered           MessageStatus = "delivered"
	StatusFailed              MessageStatus = "failed"
	StatusExpired             MessageStatus = "expired"
	StatusPendingDeliberation MessageStatus = "pending_deliberation"
)

// AgentMessage is the unit of communication between agents. Immutable on the
// wire; only status, timestamps and the impact score mutate inside the bus.
type AgentMessage struct {
	MessageID              string                 `json:"message_id"`
	ConversationID         string                 `json:"conversation_id,omitempty"`
	FromAgent              string                 `json:"from_agent"`
	ToAgent                string                 `json:"to_agent"`
	SenderID               string                 `json:"sender_id,omitempty"`
	MessageType            MessageType            `json:"message_type"`
	Priority               Priority               `json:"priority"`
	Status                 MessageStatus          `json:"status"`
	TenantID               string                 `json:"tenant_id,omitempty"`
	Content                map[string]interface{} `json:"content"`
	Payload                map[string]interface{} `json:"payload,omitempty"`
	ConstitutionalHash     string                 `json:"constitutional_hash"`
	ConstitutionalVerified bool                   `json:"constitutional_validated"`
	ImpactScore            *float64               `json:"impact_score,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`

	// Unknown wire fields are preserved across a decode/encode round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewMessage constructs a pending message with a fresh ID and the canonical
// constitutional hash.
func NewMessage(from, to string, msgType MessageType) *AgentMessage {
	now := time.Now().UTC()
	return &AgentMessage{
		MessageID:          uuid.New().String(),
		FromAgent:          from,
		ToAgent:            to,
		SenderID:           from,
		MessageType:        msgType,
		Priority:           PriorityNormal,
		Status:             StatusPending,
		Content:            make(map[string]interface{}),
		Payload:            make(map[string]interface{}),
		ConstitutionalHash: ConstitutionalHash,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Touch advances the message status and the updated timestamp.
func (m *AgentMessage) Touch(status MessageStatus) {
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
}

// SetImpactScore records the impact score once. The score is read-only for
// the remainder of processing; later calls are ignored.
func (m *AgentMessage) SetImpactScore(score float64) {
	if m.ImpactScore != nil {
		return
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	m.ImpactScore = &score
}

// HashValid compares the message hash against the canonical hash in constant
// time.
func (m *AgentMessage) HashValid() bool {
	return ConstantTimeHashEqual(m.ConstitutionalHash, ConstitutionalHash)
}

// ConstantTimeHashEqual reports whether two constitutional hashes match
// without leaking position information through timing.
func ConstantTimeHashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TruncateHash returns the 8-character prefix used in error messages so the
// canonical value is never echoed back to callers.
func TruncateHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// knownMessageFields mirrors the json tags above; anything else lands in
// Extra during UnmarshalJSON.
var knownMessageFields = map[string]struct{}{
	"message_id": {}, "conversation_id": {}, "from_agent": {}, "to_agent": {},
	"sender_id": {}, "message_type": {}, "priority": {}, "status": {},
	"tenant_id": {}, "content": {}, "payload": {}, "constitutional_hash": {},
	"constitutional_validated": {}, "impact_score": {}, "created_at": {},
	"updated_at": {},
}

type messageAlias AgentMessage

// UnmarshalJSON decodes a message while preserving unknown fields.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var alias messageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownMessageFields {
		delete(raw, k)
	}
	*m = AgentMessage(alias)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// MarshalJSON encodes the message with any preserved unknown fields.
func (m *AgentMessage) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*messageAlias)(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, known := knownMessageFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
