package processing

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/acgs/agentbus/internal/model"
)

// injectionPatterns is the closed set of prompt-injection markers screened
// before any strategy runs. Matching is case-insensitive over the
// stringified content.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)system\s+prompt\s+(leak|override)`),
	regexp.MustCompile(`(?i)do\s+anything\s+now`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)persona\s+(adoption|override)`),
	regexp.MustCompile(`(?i)note\s+to\s+self`),
	regexp.MustCompile(`\[INST\]`),
}

// ScreenContent reports the first injection pattern matched by the
// stringified content, or "".
func ScreenContent(content map[string]interface{}) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	for _, p := range injectionPatterns {
		if loc := p.FindIndex(raw); loc != nil {
			return p.String()
		}
	}
	return ""
}

// ============================================================================
// METRICS
// ============================================================================

// Metrics holds the Prometheus metrics for the message processor.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	InjectionRejected prometheus.Counter
}

// NewMetrics creates and registers the processor metrics. Passing nil
// registers on a private registry, which keeps repeated construction (tests,
// multiple bus instances) from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentbus_messages_processed_total",
				Help: "Messages processed by the strategy chain",
			},
			[]string{"strategy", "outcome"}, // outcome: valid, invalid, fault
		),
		ProcessingSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentbus_processing_duration_seconds",
				Help:    "End-to-end processing latency per message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_validation_cache_hits_total",
			Help: "Validation cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_validation_cache_misses_total",
			Help: "Validation cache misses",
		}),
		InjectionRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_prompt_injection_rejected_total",
			Help: "Messages rejected by the prompt-injection screen",
		}),
	}
}

// ============================================================================
// VALIDATION CACHE
// ============================================================================

// CacheKey derives the validation cache key from the serialized content and
// the message's constitutional hash. Sender and recipient are deliberately
// excluded so identical approved payloads share one entry across agents;
// only approvals are cached (see Process), so sender-dependent denials
// never leak between agents through the shared key.
func CacheKey(content map[string]interface{}, constitutionalHash string) string {
	raw, err := json.Marshal(content)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16] + ":" + constitutionalHash
}

type cacheItem struct {
	key    string
	result *model.ValidationResult
}

// resultCache is a bounded LRU of validation results.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int
}

func newResultCache(maxSize int) *resultCache {
	return &resultCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (c *resultCache) get(key string) (*model.ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheItem).result, true
}

func (c *resultCache) put(key string, result *model.ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).result = result
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheItem{key: key, result: result})
	c.entries[key] = el
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ============================================================================
// PROCESSOR
// ============================================================================

// Processor orchestrates the strategy chain for single messages: injection
// screening, result caching, dispatch, best-effort verifiers and metrics.
// It never lets a strategy error escape the public API.
type Processor struct {
	strategy  Strategy
	cache     *resultCache
	metrics   *Metrics
	verifiers []Verifier

	mu       sync.RWMutex
	handlers Handlers
	feedback map[string]*IntentFeedback
}

// IntentFeedback tallies per-intent outcomes for threshold adaptation.
type IntentFeedback struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// NewProcessor builds a processor over a strategy. Metrics may be nil; a
// private registry is used in that case.
func NewProcessor(strategy Strategy, metrics *Metrics, verifiers ...Verifier) *Processor {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Processor{
		strategy:  strategy,
		cache:     newResultCache(1000),
		metrics:   metrics,
		verifiers: verifiers,
		handlers:  make(Handlers),
		feedback:  make(map[string]*IntentFeedback),
	}
}

// RegisterHandler adds a delivery handler for a message type.
func (p *Processor) RegisterHandler(t model.MessageType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = append(p.handlers[t], h)
}

// CacheSize returns the number of cached validation results.
func (p *Processor) CacheSize() int { return p.cache.len() }

// Strategy returns the configured top-level strategy.
func (p *Processor) Strategy() Strategy { return p.strategy }

// Process runs one message through the pipeline. It never returns an error:
// strategy faults become failed validation results with redacted text.
func (p *Processor) Process(ctx context.Context, msg *model.AgentMessage) *model.ValidationResult {
	start := time.Now()
	msg.Touch(model.StatusProcessing)

	// 1. Prompt-injection screen.
	if pattern := ScreenContent(msg.Content); pattern != "" {
		p.metrics.InjectionRejected.Inc()
		msg.Touch(model.StatusFailed)
		result := model.Invalid("content rejected by prompt-injection screen")
		result.Metadata["rejection_reason"] = "prompt_injection"
		result.Metadata["matched_pattern"] = pattern
		p.recordFeedback(msg, false)
		return result
	}

	// 2. Cache lookup. Only approvals are ever cached: denials from
	// strategies like role separation depend on who is asking, so every
	// denial re-runs the chain.
	key := CacheKey(msg.Content, msg.ConstitutionalHash)
	if cached, ok := p.cache.get(key); ok {
		p.metrics.CacheHits.Inc()
		msg.ConstitutionalVerified = true
		msg.Touch(model.StatusDelivered)
		out := cloneResult(cached)
		out.Metadata["cache_hit"] = true
		return out
	}
	p.metrics.CacheMisses.Inc()

	// 3. Strategy dispatch.
	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()

	result, err := p.strategy.Process(ctx, msg, handlers)
	if err != nil {
		p.metrics.MessagesProcessed.WithLabelValues(p.strategy.Name(), "fault").Inc()
		msg.Touch(model.StatusFailed)
		result = model.Invalid(model.RedactError(err.Error()))
		result.Metadata["governance_mode"] = "DEGRADED"
		p.recordFeedback(msg, false)
		return result
	}

	// 4. Best-effort verifiers. Outputs land in metadata; only a critical
	// rejection alters validity.
	if result.IsValid && len(p.verifiers) > 0 {
		runVerifiers(ctx, msg, result, p.verifiers)
		if !result.IsValid {
			msg.Touch(model.StatusFailed)
		}
	}

	// 5. Feedback + cache + metrics. Denials are not cached.
	p.recordFeedback(msg, result.IsValid)
	if result.IsValid {
		p.cache.put(key, cloneResult(result))
	}
	outcome := "valid"
	if !result.IsValid {
		outcome = "invalid"
	}
	p.metrics.MessagesProcessed.WithLabelValues(p.strategy.Name(), outcome).Inc()
	p.metrics.ProcessingSeconds.WithLabelValues(p.strategy.Name()).Observe(time.Since(start).Seconds())
	return result
}

// Feedback returns a copy of the per-intent outcome tallies.
func (p *Processor) Feedback() map[string]IntentFeedback {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]IntentFeedback, len(p.feedback))
	for k, v := range p.feedback {
		out[k] = *v
	}
	return out
}

func (p *Processor) recordFeedback(msg *model.AgentMessage, success bool) {
	intent := ClassifyIntent(msg)
	p.mu.Lock()
	defer p.mu.Unlock()
	fb, ok := p.feedback[intent]
	if !ok {
		fb = &IntentFeedback{}
		p.feedback[intent] = fb
	}
	if success {
		fb.Successes++
	} else {
		fb.Failures++
	}
}

// cloneResult copies a result so cached entries stay immutable while
// callers annotate their own copies.
func cloneResult(r *model.ValidationResult) *model.ValidationResult {
	out := &model.ValidationResult{
		IsValid:            r.IsValid,
		Errors:             append([]string{}, r.Errors...),
		Warnings:           append([]string{}, r.Warnings...),
		Metadata:           make(map[string]interface{}, len(r.Metadata)),
		Decision:           r.Decision,
		ConstitutionalHash: r.ConstitutionalHash,
	}
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}
