// Package security layers a runtime scanner in front of validation:
// suspicious-pattern screening, input bounds, tenant checks and per-agent
// rate limiting, with security events fanned out on the in-process bus.
package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/events"
	"github.com/acgs/agentbus/internal/model"
	"github.com/acgs/agentbus/internal/processing"
)

// EventType names for emitted security events.
const (
	EventHashMismatch      = "security.constitutional_hash_mismatch"
	EventTenantViolation   = "security.tenant_violation"
	EventPromptInjection   = "security.prompt_injection"
	EventSuspiciousPattern = "security.suspicious_pattern"
	EventInputBounds       = "security.input_bounds_exceeded"
	EventRateLimited       = "security.rate_limited"
	EventAnomaly           = "security.anomaly_detected"
)

// Severity levels attached to security events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent is one detected finding.
type SecurityEvent struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	TenantID string                 `json:"tenant_id,omitempty"`
	AgentID  string                 `json:"agent_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Blocking bool                   `json:"blocking"`
	At       time.Time              `json:"at"`
}

// suspiciousPatterns are the non-injection markers scanned in content.
// Matches are blocking only for the markers that indicate code execution.
var suspiciousPatterns = []struct {
	name     string
	re       *regexp.Regexp
	blocking bool
}{
	{"script_tag", regexp.MustCompile(`(?i)<\s*script[^>]*>`), true},
	{"event_handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`), false},
	{"sql_injection", regexp.MustCompile(`(?i)('\s*(or|and)\s+'?1'?\s*=\s*'?1|union\s+select|;\s*drop\s+table)`), true},
	{"path_traversal", regexp.MustCompile(`\.\./\.\./|\.\.\\\.\.\\`), true},
	{"dynamic_eval", regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`), true},
	{"os_command", regexp.MustCompile(`(?i)\b(os\.system|subprocess\.|popen\s*\(|/bin/(sh|bash)\b)`), true},
}

// Config bounds the scanner's checks.
type Config struct {
	MaxContentBytes  int
	MaxNestingDepth  int
	RateLimitPerSec  int
	AnomalyThreshold int           // events within AnomalyWindow that trigger detection
	AnomalyWindow    time.Duration
	CheckHash        bool
	CheckTenant      bool
	CheckInjection   bool
	CheckPatterns    bool
	CheckBounds      bool
	CheckRateLimit   bool
}

// DefaultConfig enables every check with production bounds.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes:  64 * 1024,
		MaxNestingDepth:  16,
		RateLimitPerSec:  50,
		AnomalyThreshold: 10,
		AnomalyWindow:    time.Minute,
		CheckHash:        true,
		CheckTenant:      true,
		CheckInjection:   true,
		CheckPatterns:    true,
		CheckBounds:      true,
		CheckRateLimit:   true,
	}
}

// Scanner runs the configured checks over each message before validation.
type Scanner struct {
	cfg     Config
	emitter events.Emitter

	mu      sync.Mutex
	windows map[string][]time.Time // tenant:agent -> send times (1s window)
	recent  []time.Time            // event times for anomaly detection
	counts  map[string]uint64
	now     func() time.Time
}

// NewScanner builds a scanner. A nil emitter disables event fan-out but not
// detection.
func NewScanner(cfg Config, emitter events.Emitter) *Scanner {
	return &Scanner{
		cfg:     cfg,
		emitter: emitter,
		windows: make(map[string][]time.Time),
		counts:  make(map[string]uint64),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test-only.
func (s *Scanner) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// EventCounts returns per-type tallies of emitted events.
func (s *Scanner) EventCounts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Scan runs all enabled checks. The returned events include blocking and
// non-blocking findings; the ValidationResult is invalid iff any blocking
// finding fired.
func (s *Scanner) Scan(msg *model.AgentMessage) (*model.ValidationResult, []SecurityEvent) {
	result := model.NewValidationResult()
	var found []SecurityEvent

	record := func(ev SecurityEvent) {
		ev.At = s.now()
		ev.TenantID = model.NormalizeTenant(msg.TenantID)
		ev.AgentID = msg.FromAgent
		found = append(found, ev)
		s.emit(ev)
		if ev.Blocking {
			result.AddError(fmt.Sprintf("security: %s", ev.Type))
		} else {
			result.AddWarning(fmt.Sprintf("security: %s", ev.Type))
		}
	}

	if s.cfg.CheckHash && !msg.HashValid() {
		record(SecurityEvent{
			Type: EventHashMismatch, Severity: SeverityCritical, Blocking: true,
			Metadata: map[string]interface{}{"hash_prefix": model.TruncateHash(msg.ConstitutionalHash)},
		})
	}

	if s.cfg.CheckTenant {
		if _, ok := model.SanitizeTenant(msg.TenantID); !ok {
			record(SecurityEvent{
				Type: EventTenantViolation, Severity: SeverityCritical, Blocking: true,
				Metadata: map[string]interface{}{"tenant": model.FormatTenant(msg.TenantID)},
			})
		}
	}

	if s.cfg.CheckInjection {
		if pattern := processing.ScreenContent(msg.Content); pattern != "" {
			record(SecurityEvent{
				Type: EventPromptInjection, Severity: SeverityCritical, Blocking: true,
				Metadata: map[string]interface{}{"pattern": pattern},
			})
		}
	}

	if s.cfg.CheckPatterns {
		text := stringifyContent(msg.Content)
		for _, p := range suspiciousPatterns {
			if p.re.MatchString(text) {
				severity := SeverityWarning
				if p.blocking {
					severity = SeverityCritical
				}
				record(SecurityEvent{
					Type: EventSuspiciousPattern, Severity: severity, Blocking: p.blocking,
					Metadata: map[string]interface{}{"pattern": p.name},
				})
			}
		}
	}

	if s.cfg.CheckBounds {
		if violation := s.checkBounds(msg.Content); violation != "" {
			record(SecurityEvent{
				Type: EventInputBounds, Severity: SeverityWarning, Blocking: true,
				Metadata: map[string]interface{}{"violation": violation},
			})
		}
	}

	if s.cfg.CheckRateLimit && s.rateLimited(msg) {
		record(SecurityEvent{
			Type: EventRateLimited, Severity: SeverityWarning, Blocking: false,
			Metadata: map[string]interface{}{"limit_per_sec": s.cfg.RateLimitPerSec},
		})
	}

	if len(found) > 0 && s.anomalous(len(found)) {
		record(SecurityEvent{
			Type: EventAnomaly, Severity: SeverityCritical, Blocking: false,
			Metadata: map[string]interface{}{
				"threshold": s.cfg.AnomalyThreshold,
				"window_s":  s.cfg.AnomalyWindow.Seconds(),
			},
		})
	}

	return result, found
}

func (s *Scanner) emit(ev SecurityEvent) {
	s.mu.Lock()
	s.counts[ev.Type]++
	s.mu.Unlock()
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ev.Type, "security-scanner", ev.AgentID, map[string]interface{}{
		"severity": ev.Severity,
		"tenant":   ev.TenantID,
		"agent":    ev.AgentID,
		"blocking": ev.Blocking,
		"metadata": ev.Metadata,
	})
}

// rateLimited trims the sender's sliding 1-second window and reports
// whether this send exceeds the per-second limit.
func (s *Scanner) rateLimited(msg *model.AgentMessage) bool {
	if s.cfg.RateLimitPerSec <= 0 {
		return false
	}
	key := model.NormalizeTenant(msg.TenantID) + ":" + msg.FromAgent

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-time.Second)
	kept := s.windows[key][:0]
	for _, t := range s.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.windows[key] = kept
	return len(kept) > s.cfg.RateLimitPerSec
}

// anomalous records n findings and reports whether the event rate within
// the anomaly window crossed the threshold.
func (s *Scanner) anomalous(n int) bool {
	if s.cfg.AnomalyThreshold <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-s.cfg.AnomalyWindow)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	for i := 0; i < n; i++ {
		kept = append(kept, now)
	}
	s.recent = kept
	return len(kept) >= s.cfg.AnomalyThreshold
}

func (s *Scanner) checkBounds(content map[string]interface{}) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return "unserializable content"
	}
	if s.cfg.MaxContentBytes > 0 && len(raw) > s.cfg.MaxContentBytes {
		return fmt.Sprintf("content %d bytes exceeds %d", len(raw), s.cfg.MaxContentBytes)
	}
	if s.cfg.MaxNestingDepth > 0 {
		if depth := nestingDepth(content, 0); depth > s.cfg.MaxNestingDepth {
			return fmt.Sprintf("nesting depth %d exceeds %d", depth, s.cfg.MaxNestingDepth)
		}
	}
	return ""
}

func nestingDepth(v interface{}, depth int) int {
	max := depth
	switch val := v.(type) {
	case map[string]interface{}:
		for _, child := range val {
			if d := nestingDepth(child, depth+1); d > max {
				max = d
			}
		}
	case []interface{}:
		for _, child := range val {
			if d := nestingDepth(child, depth+1); d > max {
				max = d
			}
		}
	}
	return max
}

func stringifyContent(content map[string]interface{}) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return strings.ToLower(fmt.Sprintf("%v", content))
	}
	return string(raw)
}
