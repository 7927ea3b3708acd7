// Package policy provides the policy-registry client contract, a caching
// decorator with name-pattern TTLs, and the embedded OPA evaluator used by
// the external-policy-engine strategy.
package policy

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/model"
)

// DefaultTimeout bounds every remote policy-registry operation.
const DefaultTimeout = 5 * time.Second

// ErrFailClosed is returned when the registry is unreachable and the client
// is configured fail-closed (the default).
var ErrFailClosed = errors.New("policy registry unavailable (fail-closed)")

// Client is the policy-registry contract consumed by validation strategies
// and the bus. Implementations are external collaborators.
type Client interface {
	Initialize(ctx context.Context) error
	GetPolicyContent(ctx context.Context, policyID, clientID string) (map[string]interface{}, error)
	ValidateMessageSignature(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error)
	GetCurrentPublicKey(ctx context.Context) (string, error)
	HealthCheck(ctx context.Context) (map[string]interface{}, error)
}

// ============================================================================
// TTL SELECTION
// ============================================================================

var (
	ttlConstitutional = regexp.MustCompile(`(?i)constitutional|governance|core`)
	ttlExperiment     = regexp.MustCompile(`(?i)ab_test|experiment|feature_flag`)
	ttlImmutable      = regexp.MustCompile(`(?i)immutable`)
)

// TTLForPolicy chooses the cache lifetime from the policy name pattern.
func TTLForPolicy(policyID string) time.Duration {
	switch {
	case ttlImmutable.MatchString(policyID):
		return time.Hour
	case ttlConstitutional.MatchString(policyID):
		return 15 * time.Minute
	case ttlExperiment.MatchString(policyID):
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// ============================================================================
// CACHING CLIENT
// ============================================================================

type cacheEntry struct {
	key       string
	value     map[string]interface{}
	expiresAt time.Time
}

// CachingClient decorates a Client with a bounded per-policy LRU cache and
// fail-closed semantics on registry faults.
type CachingClient struct {
	inner      Client
	failClosed bool
	timeout    time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
}

// NewCachingClient wraps a registry client. failClosed=false is intended for
// testing only.
func NewCachingClient(inner Client, failClosed bool) *CachingClient {
	return &CachingClient{
		inner:      inner,
		failClosed: failClosed,
		timeout:    DefaultTimeout,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxSize:    1000,
	}
}

// Initialize initializes the wrapped client.
func (c *CachingClient) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.Initialize(ctx)
}

// GetPolicyContent fetches a policy, consulting the cache first. Cache
// lifetime follows TTLForPolicy.
func (c *CachingClient) GetPolicyContent(ctx context.Context, policyID, clientID string) (map[string]interface{}, error) {
	if cached, ok := c.lookup(policyID); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	content, err := c.inner.GetPolicyContent(ctx, policyID, clientID)
	if err != nil {
		if c.failClosed {
			return nil, ErrFailClosed
		}
		slog.Warn("[PolicyClient] registry fault, fail-open", "policy", policyID, "error", err)
		return nil, err
	}
	c.store(policyID, content)
	return content, nil
}

// ValidateMessageSignature delegates to the registry under the operation
// timeout. Fail-closed converts faults into a denial result.
func (c *CachingClient) ValidateMessageSignature(ctx context.Context, msg *model.AgentMessage) (*model.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.inner.ValidateMessageSignature(ctx, msg)
	if err != nil {
		if c.failClosed {
			return nil, ErrFailClosed
		}
		return nil, err
	}
	return result, nil
}

// GetCurrentPublicKey returns the registry's active public key.
func (c *CachingClient) GetCurrentPublicKey(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.GetCurrentPublicKey(ctx)
}

// HealthCheck reports registry health.
func (c *CachingClient) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.inner.HealthCheck(ctx)
}

func (c *CachingClient) lookup(policyID string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[policyID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, policyID)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *CachingClient) store(policyID string, value map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[policyID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(TTLForPolicy(policyID))
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{
		key:       policyID,
		value:     value,
		expiresAt: time.Now().Add(TTLForPolicy(policyID)),
	})
	c.entries[policyID] = el
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
