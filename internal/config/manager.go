package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant configuration overrides.
type TenantsConfig struct {
	Tenants map[string]BusConfig `yaml:"tenants"`
}

// Manager resolves the effective configuration for a tenant by layering
// tenant overrides on top of the global record.
type Manager struct {
	globalConfig  *BusConfig
	tenantConfigs map[string]BusConfig
	mu            sync.RWMutex
}

// NewManager loads the master config and, when present, a tenants file.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]BusConfig)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants == nil {
		tc.Tenants = make(map[string]BusConfig)
	}
	return &Manager{globalConfig: master, tenantConfigs: tc.Tenants}, nil
}

// NewManagerFromConfig wraps an in-memory config with no tenant overrides.
func NewManagerFromConfig(cfg BusConfig) *Manager {
	return &Manager{globalConfig: &cfg, tenantConfigs: make(map[string]BusConfig)}
}

// Get returns the effective config for a tenant. Tenant overrides replace
// the deliberation and scanner sections wholesale when present.
func (m *Manager) Get(tenantID string) *BusConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.RedisURL != "" {
		effective.RedisURL = override.RedisURL
	}
	if override.Deliberation.ImpactThreshold > 0 {
		effective.Deliberation = override.Deliberation
	}
	if override.Scanner.MaxContentBytes > 0 {
		effective.Scanner = override.Scanner
	}
	return &effective
}

// SetTenantOverride installs or replaces a tenant override at runtime.
func (m *Manager) SetTenantOverride(tenantID string, cfg BusConfig) {
	m.mu.Lock()
	m.tenantConfigs[tenantID] = cfg
	m.mu.Unlock()
}
