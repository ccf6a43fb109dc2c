package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load resolves a RuntimeConfig by merging, in ascending precedence:
// built-in defaults, an optional YAML file, environment variables, then
// caller overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := defaults()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyEnv(&cfg, &meta, options.envLookup)
	applyOverrides(&cfg, &meta, options.overrides)

	normalize(&cfg)
	return cfg, meta, nil
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, options loadOptions) error {
	path := options.configPath
	if path == "" {
		path = ".abathur/config.yaml"
	}
	raw, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if options.configPath == "" {
			return nil
		}
		return err
	}

	var file FileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}

	if s := file.Substrate; s != nil {
		setString(&cfg.SubstrateProvider, s.Provider, "substrate_provider", SourceFile, meta)
		setString(&cfg.SubstrateModel, s.Model, "substrate_model", SourceFile, meta)
		setString(&cfg.SubstrateAPIKey, s.APIKey, "substrate_api_key", SourceFile, meta)
		setString(&cfg.SubstrateBaseURL, s.BaseURL, "substrate_base_url", SourceFile, meta)
		if s.TimeoutSeconds != nil {
			cfg.SubstrateTimeout = time.Duration(*s.TimeoutSeconds) * time.Second
			meta.sources["substrate_timeout"] = SourceFile
		}
		if s.CacheSize != nil {
			cfg.SubstrateCacheSize = *s.CacheSize
			meta.sources["substrate_cache_size"] = SourceFile
		}
		if s.CacheTTLSeconds != nil {
			cfg.SubstrateCacheTTL = time.Duration(*s.CacheTTLSeconds) * time.Second
			meta.sources["substrate_cache_ttl"] = SourceFile
		}
		if s.RateLimitRPS != nil {
			cfg.RateLimitRPS = *s.RateLimitRPS
			meta.sources["rate_limit_rps"] = SourceFile
		}
		if s.RateLimitBurst != nil {
			cfg.RateLimitBurst = *s.RateLimitBurst
			meta.sources["rate_limit_burst"] = SourceFile
		}
	}
	if d := file.Database; d != nil {
		setString(&cfg.DatabasePath, d.Path, "database_path", SourceFile, meta)
	}
	if w := file.Worktree; w != nil {
		setString(&cfg.RepoDir, w.RepoDir, "repo_dir", SourceFile, meta)
		setString(&cfg.WorktreeBasePath, w.BasePath, "worktree_base_path", SourceFile, meta)
		if w.AutoCleanup != nil {
			cfg.AutoCleanup = *w.AutoCleanup
			meta.sources["auto_cleanup"] = SourceFile
		}
	}
	if o := file.Orchestrator; o != nil {
		if o.MaxAgents != nil {
			cfg.MaxAgents = *o.MaxAgents
			meta.sources["max_agents"] = SourceFile
		}
		setString(&cfg.LogLevel, o.LogLevel, "log_level", SourceFile, meta)
	}
	if cb := file.CircuitBreaker; cb != nil {
		if cb.FailureThreshold != nil {
			cfg.CircuitFailureThreshold = *cb.FailureThreshold
			meta.sources["circuit_failure_threshold"] = SourceFile
		}
		if cb.CooldownSeconds != nil {
			cfg.CircuitCooldown = time.Duration(*cb.CooldownSeconds) * time.Second
			meta.sources["circuit_cooldown"] = SourceFile
		}
	}
	if eb := file.EventBus; eb != nil {
		setString(&cfg.EventBusNATSURL, eb.NATSURL, "event_bus_nats_url", SourceFile, meta)
	}
	if ob := file.Observability; ob != nil {
		setString(&cfg.MetricsAddr, ob.MetricsAddr, "metrics_addr", SourceFile, meta)
		if ob.TracingEnabled != nil {
			cfg.TracingEnabled = *ob.TracingEnabled
			meta.sources["tracing_enabled"] = SourceFile
		}
	}
	return nil
}

func setString(dst *string, value, field string, source ValueSource, meta *Metadata) {
	if value == "" {
		return
	}
	*dst = value
	meta.sources[field] = source
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) {
	setEnvString(meta, lookup, "ABATHUR_SUBSTRATE_PROVIDER", &cfg.SubstrateProvider, "substrate_provider")
	setEnvString(meta, lookup, "ABATHUR_SUBSTRATE_MODEL", &cfg.SubstrateModel, "substrate_model")
	setEnvString(meta, lookup, "ABATHUR_SUBSTRATE_API_KEY", &cfg.SubstrateAPIKey, "substrate_api_key")
	setEnvString(meta, lookup, "ABATHUR_SUBSTRATE_BASE_URL", &cfg.SubstrateBaseURL, "substrate_base_url")
	setEnvString(meta, lookup, "ABATHUR_DATABASE_PATH", &cfg.DatabasePath, "database_path")
	setEnvString(meta, lookup, "ABATHUR_REPO_DIR", &cfg.RepoDir, "repo_dir")
	setEnvString(meta, lookup, "ABATHUR_WORKTREE_BASE_PATH", &cfg.WorktreeBasePath, "worktree_base_path")
	setEnvString(meta, lookup, "ABATHUR_LOG_LEVEL", &cfg.LogLevel, "log_level")
	setEnvString(meta, lookup, "ABATHUR_EVENT_BUS_NATS_URL", &cfg.EventBusNATSURL, "event_bus_nats_url")
	setEnvString(meta, lookup, "ABATHUR_METRICS_ADDR", &cfg.MetricsAddr, "metrics_addr")

	if v, ok := lookup("ABATHUR_MAX_AGENTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAgents = n
			meta.sources["max_agents"] = SourceEnv
		}
	}
	if v, ok := lookup("ABATHUR_AUTO_CLEANUP"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoCleanup = b
			meta.sources["auto_cleanup"] = SourceEnv
		}
	}
	if v, ok := lookup("ABATHUR_TRACING_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TracingEnabled = b
			meta.sources["tracing_enabled"] = SourceEnv
		}
	}
}

func setEnvString(meta *Metadata, lookup EnvLookup, key string, dst *string, field string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
		meta.sources[field] = SourceEnv
	}
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, o Overrides) {
	if o.SubstrateProvider != nil {
		cfg.SubstrateProvider = *o.SubstrateProvider
		meta.sources["substrate_provider"] = SourceCaller
	}
	if o.SubstrateModel != nil {
		cfg.SubstrateModel = *o.SubstrateModel
		meta.sources["substrate_model"] = SourceCaller
	}
	if o.SubstrateAPIKey != nil {
		cfg.SubstrateAPIKey = *o.SubstrateAPIKey
		meta.sources["substrate_api_key"] = SourceCaller
	}
	if o.DatabasePath != nil {
		cfg.DatabasePath = *o.DatabasePath
		meta.sources["database_path"] = SourceCaller
	}
	if o.RepoDir != nil {
		cfg.RepoDir = *o.RepoDir
		meta.sources["repo_dir"] = SourceCaller
	}
	if o.MaxAgents != nil {
		cfg.MaxAgents = *o.MaxAgents
		meta.sources["max_agents"] = SourceCaller
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
		meta.sources["log_level"] = SourceCaller
	}
}
