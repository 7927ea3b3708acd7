// Package bus is the front door of the agent bus: lifecycle, registration,
// send/receive/broadcast and metrics aggregation. Every other component is
// mediated through it.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/audit"
	"github.com/acgs/agentbus/internal/circuitbreaker"
	"github.com/acgs/agentbus/internal/config"
	"github.com/acgs/agentbus/internal/deliberation"
	"github.com/acgs/agentbus/internal/events"
	"github.com/acgs/agentbus/internal/maci"
	"github.com/acgs/agentbus/internal/model"
	"github.com/acgs/agentbus/internal/policy"
	"github.com/acgs/agentbus/internal/processing"
	"github.com/acgs/agentbus/internal/registry"
	"github.com/acgs/agentbus/internal/security"
	"github.com/acgs/agentbus/internal/transport"
	"github.com/acgs/agentbus/internal/validation"
)

// LifecycleState tracks the bus state machine:
// Unstarted -> Starting -> Running -> Stopping -> Stopped.
type LifecycleState int

const (
	StateUnstarted LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const defaultQueueCapacity = 1000

// Bus is the composition root and only public entry point.
type Bus struct {
	cfg     config.BusConfig
	metrics *Metrics

	registry      registry.AgentRegistry
	maciRegistry  *maci.Registry
	enforcer      *maci.Enforcer
	processor     *processing.Processor
	layer         *deliberation.Layer
	scanner       *security.Scanner
	policyClient  policy.Client
	transport     transport.Transport
	breakers      *circuitbreaker.Manager
	eventBus      *events.Bus
	auditor       audit.Recorder
	nativeBackend processing.Backend
	policyEngine  policy.Evaluator

	mu      sync.Mutex
	state   LifecycleState
	queue   chan *model.AgentMessage
	started int // start records emitted; idempotent Start emits one
	wg      sync.WaitGroup
}

// Option customizes bus construction.
type Option func(*Bus)

// WithRegistry swaps the agent registry backend.
func WithRegistry(r registry.AgentRegistry) Option { return func(b *Bus) { b.registry = r } }

// WithTransport attaches an external transport preferred over the
// in-process queue.
func WithTransport(t transport.Transport) Option { return func(b *Bus) { b.transport = t } }

// WithPolicyClient attaches the remote policy registry client.
func WithPolicyClient(c policy.Client) Option { return func(b *Bus) { b.policyClient = c } }

// WithProcessor swaps the message processor.
func WithProcessor(p *processing.Processor) Option { return func(b *Bus) { b.processor = p } }

// WithDeliberation swaps the deliberation layer.
func WithDeliberation(l *deliberation.Layer) Option { return func(b *Bus) { b.layer = l } }

// WithScanner attaches the runtime security scanner.
func WithScanner(s *security.Scanner) Option { return func(b *Bus) { b.scanner = s } }

// WithAuditor attaches an audit recorder.
func WithAuditor(a audit.Recorder) Option { return func(b *Bus) { b.auditor = a } }

// WithMetrics swaps the metrics set (shared registries, tests).
func WithMetrics(m *Metrics) Option { return func(b *Bus) { b.metrics = m } }

// WithNativeBackend attaches the external high-performance validator used
// by the native-backend strategy.
func WithNativeBackend(backend processing.Backend) Option {
	return func(b *Bus) { b.nativeBackend = backend }
}

// WithPolicyEngine attaches an embedded policy evaluator; the default chain
// gains a policy-engine strategy ahead of the reference fallback.
func WithPolicyEngine(evaluator policy.Evaluator) Option {
	return func(b *Bus) { b.policyEngine = evaluator }
}

// New builds a bus from a configuration record. Defaults: in-memory
// registry, reference strategy chain, deliberation layer with the config's
// thresholds, no transport.
func New(cfg config.BusConfig, opts ...Option) *Bus {
	b := &Bus{
		cfg:          cfg,
		metrics:      NewMetrics(nil),
		registry:     registry.NewInMemoryRegistry(),
		maciRegistry: maci.NewRegistry(),
		breakers:     circuitbreaker.NewManager(),
		eventBus:     events.NewBus(),
		state:        StateUnstarted,
		queue:        make(chan *model.AgentMessage, defaultQueueCapacity),
	}
	b.enforcer = maci.NewEnforcer(b.maciRegistry, cfg.MACIStrictMode)

	for _, opt := range opts {
		opt(b)
	}

	if b.processor == nil {
		b.processor = b.defaultProcessor()
	}
	if b.layer == nil {
		b.layer = b.defaultDeliberation()
	}
	if b.scanner == nil && cfg.Scanner.Enabled {
		b.scanner = security.NewScanner(security.Config{
			MaxContentBytes:  cfg.Scanner.MaxContentBytes,
			MaxNestingDepth:  cfg.Scanner.MaxNestingDepth,
			RateLimitPerSec:  cfg.Scanner.RateLimitPerSec,
			AnomalyThreshold: 10,
			AnomalyWindow:    time.Minute,
			CheckHash:        false, // the bus does its own constant-time check
			CheckTenant:      false, // likewise
			CheckInjection:   false, // the processor screens injection
			CheckPatterns:    true,
			CheckBounds:      true,
			CheckRateLimit:   true,
		}, b.eventBus)
	}
	return b
}

// defaultProcessor wires the standard strategy chain: role separation above
// a composite of whatever the config enables, with the reference strategy
// as the always-available fallback.
func (b *Bus) defaultProcessor() *processing.Processor {
	var chain []processing.Strategy

	if b.cfg.UseNativeBackend && b.nativeBackend != nil {
		breaker := b.breakers.Get("native_backend")
		chain = append(chain, processing.NewNativeBackendStrategy(b.nativeBackend, breaker))
	}
	if b.cfg.UseDynamicPolicy && b.policyClient != nil {
		chain = append(chain, processing.NewDynamicPolicyStrategy(
			validation.NewDynamicPolicyStrategy(b.policyClient)))
	}
	if b.policyEngine != nil {
		chain = append(chain, processing.NewPolicyEngineStrategy(
			validation.NewPolicyEngineStrategy(b.policyEngine, "")))
	}
	chain = append(chain, processing.NewReferenceStrategy(nil))

	var top processing.Strategy = processing.NewComposite(chain...)
	if b.cfg.EnableMACI {
		top = processing.NewRoleSeparationStrategy(b.enforcer, top)
	}
	return processing.NewProcessor(top, nil)
}

func (b *Bus) defaultDeliberation() *deliberation.Layer {
	scorer := deliberation.NewImpactScorer(deliberation.DefaultWeights())
	router := deliberation.NewAdaptiveRouter(scorer, nil)
	if b.cfg.Deliberation.ImpactThreshold > 0 {
		router.SetThreshold(b.cfg.Deliberation.ImpactThreshold)
	}
	queue := deliberation.NewQueue(deliberation.QueueConfig{
		RequiredVotes:      b.cfg.Deliberation.RequiredVotes,
		ConsensusThreshold: b.cfg.Deliberation.ConsensusThreshold,
		TimeoutSeconds:     b.cfg.Deliberation.TimeoutSeconds,
		PersistPath:        b.cfg.Deliberation.PersistPath,
	})
	guard := deliberation.NewGuard(nil, time.Duration(b.cfg.Deliberation.TimeoutSeconds*float64(time.Second)))
	return deliberation.NewLayer(router, guard, queue)
}

// Processor exposes the message processor for handler registration.
func (b *Bus) Processor() *processing.Processor { return b.processor }

// Deliberation exposes the deliberation layer for vote submission and
// signer/critic registration.
func (b *Bus) Deliberation() *deliberation.Layer { return b.layer }

// Events exposes the in-process event bus.
func (b *Bus) Events() *events.Bus { return b.eventBus }

// MACIRegistry exposes the role registry for output-ownership recording.
func (b *Bus) MACIRegistry() *maci.Registry { return b.maciRegistry }

// State returns the current lifecycle state.
func (b *Bus) State() LifecycleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start transitions the bus to Running. Idempotent: re-start is a no-op
// that returns nil and emits no second start record.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateRunning || b.state == StateStarting {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStarting
	b.mu.Unlock()

	if b.transport != nil {
		if err := b.transport.Start(ctx); err != nil {
			b.mu.Lock()
			b.state = StateStopped
			b.mu.Unlock()
			return fmt.Errorf("start transport: %w", err)
		}
		b.transport.Subscribe(func(_ context.Context, msg *model.AgentMessage) {
			b.enqueue(msg)
		})
	}
	if b.policyClient != nil {
		if err := b.policyClient.Initialize(ctx); err != nil {
			slog.Warn("[Bus] policy client initialize failed", "error", model.RedactError(err.Error()))
		}
	}

	b.mu.Lock()
	b.state = StateRunning
	b.started++
	emitRecord := b.started == 1
	b.mu.Unlock()

	if emitRecord {
		slog.Info("[Bus] started",
			"maci", b.cfg.EnableMACI, "dynamic_policy", b.cfg.UseDynamicPolicy,
			"transport", b.transport != nil)
	}
	return nil
}

// Stop transitions to Stopped, closing the transport and deliberation
// watchdogs. Safe to call before Start and more than once.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.state == StateStopped || b.state == StateStopping || b.state == StateUnstarted {
		prior := b.state
		if prior == StateUnstarted {
			b.state = StateStopped
		}
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	b.mu.Unlock()

	var err error
	if b.transport != nil {
		err = b.transport.Stop()
	}
	b.layer.Queue().Close()
	b.wg.Wait()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	slog.Info("[Bus] stopped")
	return err
}

// ============================================================================
// REGISTRATION
// ============================================================================

// RegisterAgent validates and inserts an agent. Returns false on any
// ordinary mismatch (bad tenant, duplicate id, incompatible role, failed
// auth); it never panics on those.
func (b *Bus) RegisterAgent(ctx context.Context, agentID, agentType string, capabilities []string, tenantID, maciRole, authToken string) bool {
	if agentID == "" {
		return false
	}

	tenant, ok := model.SanitizeTenant(tenantID)
	if !ok {
		slog.Warn("[Bus] registration rejected: invalid tenant",
			"agent", agentID, "tenant", model.FormatTenant(tenantID))
		return false
	}

	if authToken != "" && b.policyClient != nil {
		if !b.authenticate(ctx, agentID, tenant, authToken) {
			return false
		}
	}

	var role maci.Role
	if maciRole != "" && b.cfg.EnableMACI {
		parsed, ok := maci.ParseRole(maciRole)
		if !ok {
			slog.Warn("[Bus] registration rejected: unknown role",
				"agent", agentID, "role", maciRole)
			return false
		}
		role = parsed
	}

	inserted, err := b.registry.Register(ctx, &registry.AgentRecord{
		AgentID:      agentID,
		AgentType:    agentType,
		Capabilities: capabilities,
		TenantID:     tenant,
		MACIRole:     string(role),
	})
	if err != nil {
		slog.Warn("[Bus] registration error", "agent", agentID, "error", model.RedactError(err.Error()))
		return false
	}
	if !inserted {
		return false
	}

	if role != "" {
		if _, err := b.maciRegistry.Register(agentID, role, nil); err != nil {
			// Roll back the registry insert so no half-registered agent
			// remains.
			_, _ = b.registry.Unregister(ctx, agentID)
			slog.Warn("[Bus] registration rolled back: role binding failed",
				"agent", agentID, "error", err)
			return false
		}
	}

	b.metrics.AgentsRegistered.Inc()
	return true
}

// authenticate consults the policy registry with the presented token.
func (b *Bus) authenticate(ctx context.Context, agentID, tenant, authToken string) bool {
	probe := model.NewMessage(agentID, "policy-registry", model.TypeGovernanceRequest)
	probe.TenantID = tenant
	probe.Content["auth_token"] = authToken
	result, err := b.policyClient.ValidateMessageSignature(ctx, probe)
	if err != nil || result == nil || !result.IsValid {
		slog.Warn("[Bus] registration rejected: identity validation failed", "agent", agentID)
		return false
	}
	return true
}

// UnregisterAgent removes an agent and its role binding. Returns whether a
// record was removed; the second call for the same id returns false.
func (b *Bus) UnregisterAgent(ctx context.Context, agentID string) bool {
	removed, err := b.registry.Unregister(ctx, agentID)
	if err != nil {
		slog.Warn("[Bus] unregister error", "agent", agentID, "error", model.RedactError(err.Error()))
		return false
	}
	if !removed {
		return false
	}
	b.maciRegistry.Unregister(agentID)
	b.metrics.AgentsRegistered.Dec()
	return true
}

// ============================================================================
// SEND PATH
// ============================================================================

// SendMessage validates, processes, routes and delivers one message. All
// counters move exactly once per call; failures come back as results, never
// panics. A stopped bus still counts and permits transport-less delivery.
func (b *Bus) SendMessage(ctx context.Context, msg *model.AgentMessage) *model.ValidationResult {
	b.metrics.recordSent()

	// Constant-time constitutional check. The canonical value is never
	// echoed beyond an 8-character prefix.
	if !msg.HashValid() {
		result := model.Invalid(fmt.Sprintf(
			"Constitutional hash mismatch: expected %s, got %s",
			model.TruncateHash(model.ConstitutionalHash),
			model.TruncateHash(msg.ConstitutionalHash)))
		return b.fail(msg, result)
	}

	// Tenant normalization and format.
	tenant, ok := model.SanitizeTenant(msg.TenantID)
	if !ok {
		result := model.Invalid(fmt.Sprintf("invalid tenant id %q", model.FormatTenant(msg.TenantID)))
		return b.fail(msg, result)
	}
	msg.TenantID = tenant

	// Tenant consistency across sender, recipient and message.
	if result := b.checkTenantConsistency(ctx, msg); result != nil {
		return b.fail(msg, result)
	}

	// Layered runtime scan before the strategy chain.
	if b.scanner != nil {
		scanResult, _ := b.scanner.Scan(msg)
		if !scanResult.IsValid {
			return b.fail(msg, scanResult)
		}
	}

	// Strategy chain. Processor converts faults into degraded-mode results.
	result := b.processor.Process(ctx, msg)
	if !result.IsValid {
		b.metrics.recordFailed()
		b.auditRecord(msg, result)
		return result
	}

	// Impact routing: fast lane delivers now, deliberation lane continues
	// asynchronously under its own watchdog.
	lane, score := b.layer.Router().Route(msg)
	result.Metadata["lane"] = string(lane)
	result.Metadata["impact_score"] = score

	if lane == deliberation.LaneDeliberation {
		b.metrics.recordDeferred()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			outcome := b.layer.Deliberate(context.Background(), msg, b.routeAndDeliver, score)
			if outcome.Success {
				b.metrics.recordDelivered()
			} else {
				b.metrics.recordFailed()
			}
			b.auditRecord(msg, result)
		}()
		result.Metadata["status"] = string(model.StatusPendingDeliberation)
		return result
	}

	if err := b.routeAndDeliver(ctx, msg); err != nil {
		result.AddError(model.RedactError(err.Error()))
		b.metrics.recordFailed()
		msg.Touch(model.StatusFailed)
		b.auditRecord(msg, result)
		return result
	}
	msg.Touch(model.StatusDelivered)
	b.metrics.recordDelivered()
	b.auditRecord(msg, result)
	return result
}

// fail marks the message Failed, counts it, audits and returns the result.
func (b *Bus) fail(msg *model.AgentMessage, result *model.ValidationResult) *model.ValidationResult {
	msg.Touch(model.StatusFailed)
	b.metrics.recordFailed()
	b.auditRecord(msg, result)
	return result
}

// checkTenantConsistency verifies sender, recipient and message share one
// normalized tenant. One error per offending edge.
func (b *Bus) checkTenantConsistency(ctx context.Context, msg *model.AgentMessage) *model.ValidationResult {
	var result *model.ValidationResult
	addError := func(err string) {
		if result == nil {
			result = model.NewValidationResult()
		}
		result.AddError(err)
	}

	if from, _ := b.registry.Get(ctx, msg.FromAgent); from != nil {
		if model.NormalizeTenant(from.TenantID) != msg.TenantID {
			addError(fmt.Sprintf("tenant mismatch: sender %q is %s, message is %s",
				msg.FromAgent, model.FormatTenant(from.TenantID), model.FormatTenant(msg.TenantID)))
		}
	}
	if msg.ToAgent != "" {
		if to, _ := b.registry.Get(ctx, msg.ToAgent); to != nil {
			if model.NormalizeTenant(to.TenantID) != msg.TenantID {
				addError(fmt.Sprintf("tenant mismatch: recipient %q is %s, message is %s",
					msg.ToAgent, model.FormatTenant(to.TenantID), model.FormatTenant(msg.TenantID)))
			}
		}
	}
	return result
}

// routeAndDeliver prefers the external transport; without one the message
// lands on the in-process queue.
func (b *Bus) routeAndDeliver(ctx context.Context, msg *model.AgentMessage) error {
	if b.transport != nil {
		if _, err := b.transport.SendMessage(ctx, msg); err == nil {
			return nil
		} else {
			slog.Warn("[Bus] transport send failed, using local queue",
				"message_id", msg.MessageID, "error", model.RedactError(err.Error()))
		}
	}
	return b.enqueue(msg)
}

func (b *Bus) enqueue(msg *model.AgentMessage) error {
	select {
	case b.queue <- msg:
		b.metrics.QueueDepth.Set(float64(len(b.queue)))
		return nil
	default:
		return fmt.Errorf("message queue full (%d)", cap(b.queue))
	}
}

// BroadcastMessage fans a message out to every registered agent in the
// sender's tenant, excluding the sender. Per-target delivery reuses the
// SendMessage contract. Returns per-target results.
func (b *Bus) BroadcastMessage(ctx context.Context, msg *model.AgentMessage) map[string]*model.ValidationResult {
	out := make(map[string]*model.ValidationResult)
	targets, err := registry.BroadcastTargets(ctx, b.registry, msg.FromAgent, msg.TenantID)
	if err != nil {
		result := model.Invalid(model.RedactError(err.Error()))
		out["_broadcast"] = result
		return out
	}
	for _, target := range targets {
		copied := *msg
		copied.MessageID = model.NewMessage(msg.FromAgent, target, msg.MessageType).MessageID
		copied.ToAgent = target
		out[target] = b.SendMessage(ctx, &copied)
	}
	return out
}

// AgentsByType lists the IDs of registered agents of the given type.
func (b *Bus) AgentsByType(ctx context.Context, agentType string) []string {
	return b.selectAgents(ctx, func(record *registry.AgentRecord) bool {
		return record.AgentType == agentType
	})
}

// AgentsByCapability lists the IDs of registered agents declaring the
// capability.
func (b *Bus) AgentsByCapability(ctx context.Context, capability string) []string {
	return b.selectAgents(ctx, func(record *registry.AgentRecord) bool {
		return record.HasCapabilities([]string{capability})
	})
}

func (b *Bus) selectAgents(ctx context.Context, keep func(*registry.AgentRecord) bool) []string {
	records, err := b.registry.ListAgents(ctx)
	if err != nil {
		slog.Warn("[Bus] agent query failed", "error", model.RedactError(err.Error()))
		return nil
	}
	var out []string
	for _, record := range records {
		if keep(record) {
			out = append(out, record.AgentID)
		}
	}
	sort.Strings(out)
	return out
}

// ReceiveMessage blocks on the in-process queue until a message arrives or
// the timeout elapses. Returns nil on timeout.
func (b *Bus) ReceiveMessage(timeout time.Duration) *model.AgentMessage {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.queue:
		b.metrics.QueueDepth.Set(float64(len(b.queue)))
		return msg
	case <-timer.C:
		return nil
	}
}

// ============================================================================
// METRICS
// ============================================================================

// GetMetrics returns the aggregated counters.
func (b *Bus) GetMetrics() map[string]interface{} {
	snapshot := b.metrics.Snapshot()
	health, breakerStates := b.breakers.HealthStatus()
	registered := 0
	if records, err := b.registry.ListAgents(context.Background()); err == nil {
		registered = len(records)
	}
	out := map[string]interface{}{
		"state":               b.State().String(),
		"constitutional_hash": model.ConstitutionalHash,
		"registered_agents":   registered,
		"queue_depth":         len(b.queue),
		"breaker_health":      health,
		"breakers":            breakerStates,
		"cache_size":          b.processor.CacheSize(),
		"impact_threshold":    b.layer.Router().Threshold(),
		"events_dropped":      b.eventBus.Dropped(),
	}
	for k, v := range snapshot {
		out[k] = v
	}
	return out
}

// GetMetricsAsync additionally reports policy-client health.
func (b *Bus) GetMetricsAsync(ctx context.Context) map[string]interface{} {
	out := b.GetMetrics()
	if b.policyClient != nil {
		health, err := b.policyClient.HealthCheck(ctx)
		if err != nil {
			out["policy_client"] = map[string]interface{}{
				"status": "unreachable",
				"error":  model.RedactError(err.Error()),
			}
		} else {
			out["policy_client"] = health
		}
	}
	return out
}

func (b *Bus) auditRecord(msg *model.AgentMessage, result *model.ValidationResult) {
	if b.auditor == nil {
		return
	}
	audit.RecordAsync(b.auditor, map[string]interface{}{
		"message_id": msg.MessageID,
		"from_agent": msg.FromAgent,
		"to_agent":   msg.ToAgent,
		"tenant":     model.FormatTenant(msg.TenantID),
		"is_valid":   result.IsValid,
		"decision":   string(result.Decision),
		"status":     string(msg.Status),
	})
}
