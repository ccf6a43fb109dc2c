package config

// FileConfig captures the on-disk YAML configuration (spec's ambient
// "configuration" concern — `.abathur/config.yaml`).
type FileConfig struct {
	Substrate     *SubstrateFileConfig `yaml:"substrate"`
	Database      *DatabaseFileConfig  `yaml:"database"`
	Worktree      *WorktreeFileConfig  `yaml:"worktree"`
	Orchestrator  *OrchestratorFileConfig `yaml:"orchestrator"`
	CircuitBreaker *CircuitBreakerFileConfig `yaml:"circuit_breaker"`
	EventBus      *EventBusFileConfig  `yaml:"event_bus"`
	Observability *ObservabilityFileConfig `yaml:"observability"`
}

type SubstrateFileConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	TimeoutSeconds  *int    `yaml:"timeout_seconds"`
	CacheSize       *int    `yaml:"cache_size"`
	CacheTTLSeconds *int    `yaml:"cache_ttl_seconds"`
	RateLimitRPS    *float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  *int    `yaml:"rate_limit_burst"`
}

type DatabaseFileConfig struct {
	Path string `yaml:"path"`
}

type WorktreeFileConfig struct {
	RepoDir     string `yaml:"repo_dir"`
	BasePath    string `yaml:"base_path"`
	AutoCleanup *bool  `yaml:"auto_cleanup"`
}

type OrchestratorFileConfig struct {
	MaxAgents *int   `yaml:"max_agents"`
	LogLevel  string `yaml:"log_level"`
}

type CircuitBreakerFileConfig struct {
	FailureThreshold *int `yaml:"failure_threshold"`
	CooldownSeconds  *int `yaml:"cooldown_seconds"`
}

type EventBusFileConfig struct {
	NATSURL string `yaml:"nats_url"`
}

type ObservabilityFileConfig struct {
	MetricsAddr    string `yaml:"metrics_addr"`
	TracingEnabled *bool  `yaml:"tracing_enabled"`
}
