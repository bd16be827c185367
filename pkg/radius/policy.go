package radius

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// QoSPolicy is a named throttle profile pushed to a live session with
// a CoA-Request.
type QoSPolicy struct {
	Name        string        `mapstructure:"name" yaml:"name" validate:"required"`
	DownloadBPS uint64        `mapstructure:"download_bps" yaml:"download_bps"` // 0 = no limit
	UploadBPS   uint64        `mapstructure:"upload_bps" yaml:"upload_bps"`     // 0 = no limit
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Attributes renders the policy as CoA attributes: Filter-Id with the
// policy name, the Mikrotik rate limit and an optional Idle-Timeout.
func (p *QoSPolicy) Attributes() ([]Attribute, error) {
	attrs := []Attribute{FilterIDAttribute(p.Name)}

	rate, err := RateLimitAttribute(p.UploadBPS, p.DownloadBPS)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, rate)

	if p.IdleTimeout > 0 {
		attrs = append(attrs, IdleTimeoutAttribute(uint32(p.IdleTimeout/time.Second)))
	}
	return attrs, nil
}

// PolicyManager manages QoS policies
type PolicyManager struct {
	policies map[string]*QoSPolicy
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make(map[string]*QoSPolicy),
	}
}

// AddPolicy adds a QoS policy
func (pm *PolicyManager) AddPolicy(policy *QoSPolicy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name required")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.policies[policy.Name] = policy
	return nil
}

// GetPolicy retrieves a policy by name
func (pm *PolicyManager) GetPolicy(name string) *QoSPolicy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.policies[name]
}

// ListPolicies returns all policy names in order
func (pm *PolicyManager) ListPolicies() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := make([]string, 0, len(pm.policies))
	for name := range pm.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultPolicies returns the throttle profiles a hotspot usually needs
func DefaultPolicies() []QoSPolicy {
	return []QoSPolicy{
		{
			Name:        "fair-use",
			DownloadBPS: 1_000_000, // 1 Mbps
			UploadBPS:   512_000,
		},
		{
			Name:        "overuse",
			DownloadBPS: 256_000,
			UploadBPS:   128_000,
			IdleTimeout: 5 * time.Minute,
		},
		{
			Name:        "standard",
			DownloadBPS: 10_000_000, // 10 Mbps
			UploadBPS:   5_000_000,
		},
		{
			Name: "unlimited",
		},
	}
}

// LoadPolicies adds every policy, replacing ones with the same name.
func (pm *PolicyManager) LoadPolicies(policies []QoSPolicy) error {
	for i := range policies {
		p := policies[i]
		if err := pm.AddPolicy(&p); err != nil {
			return err
		}
	}
	return nil
}
