package engine

import (
	"time"

	"github.com/cyp0633/libcalrecur/recurrence"
)

// BreakerConfig tunes the circuit breaker around store fetches
type BreakerConfig struct {
	MaxRequests      uint32        // Requests allowed through while half-open
	Interval         time.Duration // Closed-state counter reset period
	Timeout          time.Duration // Open-state wait before probing again
	FailureThreshold uint32        // Consecutive failures that open the breaker
}

// Config holds configuration options for the occurrence service
type Config struct {
	// Cache configuration
	CacheEnabled bool
	CacheConfig  recurrence.CacheConfig

	// Expansion limits, applied per event and per chunk
	Limits recurrence.ExpandOptions

	// Events expanded concurrently during one load
	Workers int

	Breaker BreakerConfig
}

// DefaultConfig provides sensible defaults for production use
var DefaultConfig = Config{
	CacheEnabled: true,
	CacheConfig:  recurrence.DefaultCacheConfig,

	Limits:  recurrence.DefaultExpandOptions,
	Workers: 8,

	Breaker: BreakerConfig{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	},
}

// HighPerformanceConfig keeps more expansions cached for longer and expands
// more events in parallel. Each chunk may span two years.
var HighPerformanceConfig = Config{
	CacheEnabled: true,
	CacheConfig: recurrence.CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      5000,
		CleanupInterval: 10 * time.Minute,
	},

	Limits: recurrence.ExpandOptions{
		MaxIterations: 5000,
		MaxTimeSpan:   2 * 365 * 24 * time.Hour,
	},
	Workers: 32,

	Breaker: DefaultConfig.Breaker,
}

// LowMemoryConfig bounds the expansion cache to a hundred windows.
var LowMemoryConfig = Config{
	CacheEnabled: true,
	CacheConfig: recurrence.CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},

	Limits:  recurrence.DefaultExpandOptions,
	Workers: 2,

	Breaker: DefaultConfig.Breaker,
}

// DisabledCacheConfig expands every window afresh.
var DisabledCacheConfig = Config{
	CacheEnabled: false,

	Limits:  recurrence.DefaultExpandOptions,
	Workers: 8,

	Breaker: DefaultConfig.Breaker,
}

// Presets maps preset names to their configurations.
var Presets = map[string]Config{
	"default":          DefaultConfig,
	"high_performance": HighPerformanceConfig,
	"low_memory":       LowMemoryConfig,
	"no_cache":         DisabledCacheConfig,
}

// Preset returns the named configuration.
func Preset(name string) (Config, bool) {
	cfg, ok := Presets[name]
	return cfg, ok
}
