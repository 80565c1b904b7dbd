package cache

import (
	"time"

	"github.com/felixgeelhaar/portalsync/internal/config"
)

// Policy is the freshness and retention of one resource group.
type Policy struct {
	// StaleTime is how long a fetched value counts as fresh.
	StaleTime time.Duration
	// CollectTime is how long an entry without subscribers is retained.
	CollectTime time.Duration
}

// PolicyFunc resolves the policy of a key.
type PolicyFunc func(key string) Policy

// Policies resolves policies from configuration by the key's group,
// falling back to the configured default.
func Policies(cfg config.CacheConfig) PolicyFunc {
	def := Policy{StaleTime: cfg.Default.Stale, CollectTime: cfg.Default.Collect}
	byGroup := make(map[string]Policy, len(cfg.Resources))
	for name, p := range cfg.Resources {
		byGroup[name] = Policy{StaleTime: p.Stale, CollectTime: p.Collect}
	}

	return func(key string) Policy {
		if p, ok := byGroup[Group(key)]; ok {
			return p
		}
		return def
	}
}

// FixedPolicy applies p to every key.
func FixedPolicy(p Policy) PolicyFunc {
	return func(string) Policy { return p }
}
