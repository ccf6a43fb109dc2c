// Package config loads the orchestrator's runtime configuration by
// layering defaults, an optional YAML file, environment variables, and
// caller overrides, tracking where each value ultimately came from
// (spec's ambient configuration concerns, grounded on the teacher's
// functional-options loader).
package config

import (
	"strings"
	"time"
)

const (
	DefaultSubstrateProvider = "mock"
	DefaultSubstrateModel    = "claude-default"
	DefaultSubstrateBaseURL  = "https://api.anthropic.com"
	DefaultDatabasePath      = "~/.abathur/abathur.db"
	DefaultRepoDir           = "."
	DefaultWorktreeBasePath  = ""
	DefaultMaxAgents         = 4
	DefaultCircuitFailures   = 5
	DefaultCircuitCooldown   = 30 * time.Second
	DefaultCacheSize         = 32
	DefaultCacheTTL          = 30 * time.Minute
	DefaultLogLevel          = "info"
)

// RuntimeConfig is the fully-resolved configuration for one orchestrator
// process.
type RuntimeConfig struct {
	SubstrateProvider string
	SubstrateModel    string
	SubstrateAPIKey   string
	SubstrateBaseURL  string
	SubstrateTimeout  time.Duration

	DatabasePath string

	RepoDir          string
	WorktreeBasePath string
	AutoCleanup      bool

	MaxAgents int

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	SubstrateCacheSize int
	SubstrateCacheTTL  time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int

	LogLevel string

	EventBusNATSURL string
	MetricsAddr     string
	TracingEnabled  bool

	Environment string
}

// ValueSource records where a RuntimeConfig field's final value came from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceCaller  ValueSource = "override"
)

// Metadata tracks provenance per field, for `abathur init --json` and
// diagnostic dumps.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns where field's value came from, or SourceDefault if
// untracked.
func (m Metadata) Source(field string) ValueSource {
	if s, ok := m.sources[field]; ok {
		return s
	}
	return SourceDefault
}

// LoadedAt returns when this configuration was resolved.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Overrides are caller-supplied values that take the highest precedence
// (used primarily by tests and the CLI's flag parsing).
type Overrides struct {
	SubstrateProvider *string
	SubstrateModel    *string
	SubstrateAPIKey   *string
	DatabasePath      *string
	RepoDir           *string
	MaxAgents         *int
	LogLevel          *string
}

// EnvLookup abstracts os.LookupEnv for testability.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

func defaults() RuntimeConfig {
	return RuntimeConfig{
		SubstrateProvider:       DefaultSubstrateProvider,
		SubstrateModel:          DefaultSubstrateModel,
		SubstrateBaseURL:        DefaultSubstrateBaseURL,
		SubstrateTimeout:        120 * time.Second,
		DatabasePath:            DefaultDatabasePath,
		RepoDir:                 DefaultRepoDir,
		WorktreeBasePath:        DefaultWorktreeBasePath,
		AutoCleanup:             true,
		MaxAgents:               DefaultMaxAgents,
		CircuitFailureThreshold: DefaultCircuitFailures,
		CircuitCooldown:         DefaultCircuitCooldown,
		SubstrateCacheSize:      DefaultCacheSize,
		SubstrateCacheTTL:       DefaultCacheTTL,
		RateLimitRPS:            0,
		RateLimitBurst:          1,
		LogLevel:                DefaultLogLevel,
		Environment:             "development",
	}
}

func normalize(cfg *RuntimeConfig) {
	cfg.SubstrateProvider = strings.TrimSpace(cfg.SubstrateProvider)
	cfg.SubstrateModel = strings.TrimSpace(cfg.SubstrateModel)
	cfg.SubstrateAPIKey = strings.TrimSpace(cfg.SubstrateAPIKey)
	cfg.SubstrateBaseURL = strings.TrimSpace(cfg.SubstrateBaseURL)
	cfg.DatabasePath = strings.TrimSpace(cfg.DatabasePath)
	cfg.RepoDir = strings.TrimSpace(cfg.RepoDir)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	// No API key means no real vendor can be reached; fall back to mock
	// rather than failing startup (mirrors the teacher's auto-provider
	// fallback).
	if cfg.SubstrateAPIKey == "" && cfg.SubstrateProvider != "mock" {
		cfg.SubstrateProvider = "mock"
	}
}
