package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/circuitbreaker"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/substrate"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

const (
	defaultSubstrateCacheSize = 32
	defaultSubstrateCacheTTL  = 30 * time.Minute
)

type cacheEntry struct {
	substrate substrate.Substrate
	expiresAt time.Time
}

// Factory builds and caches Substrate instances, wrapping each with retry,
// circuit breaking, and rate limiting. Grounded on the teacher's LLM client
// factory; generalized from per-(provider,model) LLM clients to
// per-provider Substrate adapters (spec §4.2, §6).
type Factory struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration

	retryConfig     xerrors.RetryConfig
	breakerManager  *circuitbreaker.Manager
	rateLimit       rate.Limit
	rateBurst       int
	logger          logging.Logger
	httpCfg         HTTPConfig
}

// NewFactory builds a Factory with the teacher's defaults: a 32-entry,
// 30-minute TTL cache and retry enabled.
func NewFactory(httpCfg HTTPConfig, logger logging.Logger) *Factory {
	logger = logging.OrNop(logger)
	return &Factory{
		cache:          newSubstrateCache(defaultSubstrateCacheSize),
		ttl:            defaultSubstrateCacheTTL,
		retryConfig:    xerrors.DefaultRetryConfig(),
		breakerManager: circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), logger),
		rateBurst:      1,
		logger:         logger,
		httpCfg:        httpCfg,
	}
}

func newSubstrateCache(size int) *lru.Cache[string, cacheEntry] {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil
	}
	return c
}

// SetCacheOptions reconfigures the cache. size<=0 disables caching, ttl<=0
// disables expiration.
func (f *Factory) SetCacheOptions(size int, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = newSubstrateCache(size)
	f.ttl = ttl
}

// EnableRateLimit enforces a token-bucket limit around every substrate call
// produced by this factory.
func (f *Factory) EnableRateLimit(limit rate.Limit, burst int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimit = limit
	if burst < 1 {
		burst = 1
	}
	f.rateBurst = burst
}

// Get returns a cached or freshly built Substrate for provider, fully
// wrapped with retry/breaker/rate-limit middleware.
func (f *Factory) Get(provider string) (substrate.Substrate, error) {
	cacheKey := provider
	now := time.Now()

	f.mu.RLock()
	cache := f.cache
	ttl := f.ttl
	retryConfig := f.retryConfig
	breakerManager := f.breakerManager
	rateLimit := f.rateLimit
	rateBurst := f.rateBurst
	logger := f.logger
	httpCfg := f.httpCfg
	f.mu.RUnlock()

	if cache != nil {
		if entry, ok := cache.Get(cacheKey); ok {
			if entry.substrate != nil && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
				return entry.substrate, nil
			}
			cache.Remove(cacheKey)
		}
	}

	var base substrate.Substrate
	switch provider {
	case "vendor-http", "anthropic", "":
		base = NewHTTPSubstrate(httpCfg, logger)
	case "mock":
		base = NewMockSubstrate()
	default:
		return nil, fmt.Errorf("unknown substrate provider: %s", provider)
	}

	wrapped := wrapWithBreaker(base, breakerManager, provider, logger)
	wrapped = wrapWithRetry(wrapped, retryConfig, logger)
	if rateLimit > 0 {
		wrapped = wrapWithRateLimit(wrapped, rateLimit, rateBurst)
	}

	if cache != nil {
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = now.Add(ttl)
		}
		cache.Add(cacheKey, cacheEntry{substrate: wrapped, expiresAt: expiresAt})
	}

	return wrapped, nil
}

// breakerSubstrate guards Execute/ExecuteStreaming with a per-provider
// circuit breaker (spec §4.2, §8 scenario 4).
type breakerSubstrate struct {
	substrate.Substrate
	manager  *circuitbreaker.Manager
	scope    string
	logger   logging.Logger
}

func wrapWithBreaker(s substrate.Substrate, manager *circuitbreaker.Manager, scope string, logger logging.Logger) substrate.Substrate {
	return &breakerSubstrate{Substrate: s, manager: manager, scope: "substrate:" + scope, logger: logger}
}

func (b *breakerSubstrate) Execute(ctx context.Context, req substrate.Request) (*sessiondomain.Session, error) {
	if err := b.manager.Check(b.scope); err != nil {
		return nil, err
	}
	session, err := b.Substrate.Execute(ctx, req)
	b.record(err)
	return session, err
}

func (b *breakerSubstrate) ExecuteStreaming(ctx context.Context, req substrate.Request) (<-chan substrate.Output, *sessiondomain.Session, error) {
	if err := b.manager.Check(b.scope); err != nil {
		return nil, nil, err
	}
	out, session, err := b.Substrate.ExecuteStreaming(ctx, req)
	if err != nil {
		b.record(err)
		return out, session, err
	}
	b.manager.RecordSuccess(b.scope)
	return out, session, nil
}

func (b *breakerSubstrate) record(err error) {
	if err != nil {
		b.manager.RecordFailure(b.scope)
		return
	}
	b.manager.RecordSuccess(b.scope)
}

// retrySubstrate retries Execute on transient errors. ExecuteStreaming is
// not retried: a partially-streamed response cannot be safely replayed.
type retrySubstrate struct {
	substrate.Substrate
	cfg    xerrors.RetryConfig
	logger logging.Logger
}

func wrapWithRetry(s substrate.Substrate, cfg xerrors.RetryConfig, logger logging.Logger) substrate.Substrate {
	return &retrySubstrate{Substrate: s, cfg: cfg, logger: logger}
}

func (r *retrySubstrate) Execute(ctx context.Context, req substrate.Request) (*sessiondomain.Session, error) {
	return xerrors.RetryWithResult(ctx, r.cfg, r.logger, func(ctx context.Context) (*sessiondomain.Session, error) {
		return r.Substrate.Execute(ctx, req)
	})
}

// rateLimitedSubstrate enforces a token-bucket limit before every call.
type rateLimitedSubstrate struct {
	substrate.Substrate
	limiter *rate.Limiter
}

func wrapWithRateLimit(s substrate.Substrate, limit rate.Limit, burst int) substrate.Substrate {
	return &rateLimitedSubstrate{Substrate: s, limiter: rate.NewLimiter(limit, burst)}
}

func (r *rateLimitedSubstrate) Execute(ctx context.Context, req substrate.Request) (*sessiondomain.Session, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, xerrors.ExecutionFailed("rate limit wait canceled", err)
	}
	return r.Substrate.Execute(ctx, req)
}

func (r *rateLimitedSubstrate) ExecuteStreaming(ctx context.Context, req substrate.Request) (<-chan substrate.Output, *sessiondomain.Session, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, nil, xerrors.ExecutionFailed("rate limit wait canceled", err)
	}
	return r.Substrate.ExecuteStreaming(ctx, req)
}
