// Package toolpool caches tool clients and their bound agent runtimes per
// session. Clients embed the session's auth headers, so any credential change
// invalidates the cached entry; entries age out by idle TTL and the pool is
// capped with LRU eviction.
package toolpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/mcp"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/runtime"
)

// ErrAuthRequired is returned when a caller demands an authenticated client
// for an unauthenticated session. There is no anonymous fallback.
var ErrAuthRequired = errors.New("authentication required")

// HeaderSource resolves a session's current auth headers. The session
// manager implements it; resolving may itself refresh the access token.
type HeaderSource interface {
	AuthHeaders(ctx context.Context, sessionToken string) (map[string]string, bool, error)
}

// ToolClient is the pooled transport handle. *mcp.Client satisfies it.
type ToolClient interface {
	Close() error
}

// DialFunc builds a tool client bound to the given headers.
type DialFunc func(ctx context.Context, headers map[string]string) (ToolClient, error)

// Client is one pooled entry handed to callers: the tool transport plus the
// agent runtime bound to it, when the caller supplied a builder.
type Client struct {
	Tools   ToolClient
	Runtime runtime.Runtime
}

// Options modify one pool lookup.
type Options struct {
	// Model selects the runtime model; a change forces a rebuild.
	Model string

	// Builder constructs the bound runtime on build. Optional.
	Builder runtime.Builder

	// RequireAuth fails the lookup for unauthenticated sessions.
	RequireAuth bool
}

type entry struct {
	client   *Client
	headers  map[string]string
	model    string
	lastUsed time.Time
}

// Pool is the per-session tool-client cache.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg     config.ToolsConfig
	headers HeaderSource
	dial    DialFunc
	logger  *slog.Logger
	metrics *observability.Metrics

	nowFunc func() time.Time // For testing
}

// NewPool creates an empty pool dialing the configured tool server.
func NewPool(cfg config.ToolsConfig, headers HeaderSource, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolpool")
	p := &Pool{
		entries: make(map[string]*entry),
		cfg:     cfg,
		headers: headers,
		logger:  logger,
		metrics: metrics,
		nowFunc: time.Now,
	}
	p.dial = func(ctx context.Context, hdrs map[string]string) (ToolClient, error) {
		return mcp.Connect(ctx, cfg, hdrs, logger)
	}
	return p
}

// SetDialFunc overrides the tool-server dialer. For testing.
func (p *Pool) SetDialFunc(dial DialFunc) { p.dial = dial }

// SetNowFunc overrides the clock. For testing.
func (p *Pool) SetNowFunc(now func() time.Time) { p.nowFunc = now }

// Size returns the number of live entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// GetClientForSession returns the session's pooled client, building one when
// none exists or when the session's headers or selected model changed since
// the cached entry was built. Concurrent builds for one session resolve as
// last build wins; the displaced client is closed.
func (p *Pool) GetClientForSession(ctx context.Context, sessionToken string, opts Options) (*Client, error) {
	hdrs, authenticated, err := p.headers.AuthHeaders(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("resolve auth headers: %w", err)
	}
	if opts.RequireAuth && !authenticated {
		return nil, ErrAuthRequired
	}

	p.mu.Lock()
	if e, ok := p.entries[sessionToken]; ok {
		if maps.Equal(e.headers, hdrs) && e.model == opts.Model {
			e.lastUsed = p.nowFunc()
			p.mu.Unlock()
			p.lookup("hit")
			return e.client, nil
		}
	}
	p.mu.Unlock()
	p.lookup("miss")

	built, err := p.build(ctx, hdrs, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if prev, ok := p.entries[sessionToken]; ok {
		p.closeEntry(sessionToken, prev, "replaced")
	}
	p.entries[sessionToken] = &entry{
		client:   built,
		headers:  hdrs,
		model:    opts.Model,
		lastUsed: p.nowFunc(),
	}
	p.evictLocked()
	p.gauge()
	p.mu.Unlock()
	return built, nil
}

func (p *Pool) build(ctx context.Context, hdrs map[string]string, opts Options) (*Client, error) {
	tools, err := p.dial(ctx, hdrs)
	if err != nil {
		return nil, fmt.Errorf("build tool client: %w", err)
	}
	built := &Client{Tools: tools}
	if opts.Builder != nil {
		mcpClient, _ := tools.(*mcp.Client)
		rt, err := opts.Builder(ctx, runtime.BuildOptions{
			Headers: hdrs,
			Model:   opts.Model,
			Tools:   mcpClient,
		})
		if err != nil {
			if cerr := tools.Close(); cerr != nil {
				p.logger.Warn("closing tool client after failed runtime build", "error", cerr)
			}
			return nil, fmt.Errorf("build runtime: %w", err)
		}
		built.Runtime = rt
	}
	return built, nil
}

// RefreshSessionClient drops the session's cached entry without rebuilding.
// The next lookup rebuilds with fresh headers.
func (p *Pool) RefreshSessionClient(sessionToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[sessionToken]; ok {
		p.closeEntry(sessionToken, e, "refresh")
		delete(p.entries, sessionToken)
		p.gauge()
	}
}

// CloseAllClients drains the pool, closing every entry concurrently. Used on
// shutdown.
func (p *Pool) CloseAllClients() {
	p.mu.Lock()
	drained := p.entries
	p.entries = make(map[string]*entry)
	p.gauge()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for token, e := range drained {
		wg.Add(1)
		go func(token string, e *entry) {
			defer wg.Done()
			p.closeEntry(token, e, "shutdown")
		}(token, e)
	}
	wg.Wait()
}

// evictLocked removes idle entries past the TTL, then trims least recently
// used entries until the pool is back under its cap. Callers hold p.mu.
func (p *Pool) evictLocked() {
	now := p.nowFunc()
	if p.cfg.Pool.TTL > 0 {
		for token, e := range p.entries {
			if now.Sub(e.lastUsed) > p.cfg.Pool.TTL {
				p.closeEntry(token, e, "ttl")
				delete(p.entries, token)
			}
		}
	}

	max := p.cfg.Pool.MaxSize
	if max <= 0 || len(p.entries) <= max {
		return
	}
	type aged struct {
		token string
		e     *entry
	}
	byAge := make([]aged, 0, len(p.entries))
	for token, e := range p.entries {
		byAge = append(byAge, aged{token, e})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].e.lastUsed.Before(byAge[j].e.lastUsed)
	})
	for _, a := range byAge[:len(p.entries)-max] {
		p.closeEntry(a.token, a.e, "lru")
		delete(p.entries, a.token)
	}
}

func (p *Pool) closeEntry(token string, e *entry, reason string) {
	if e.client.Runtime != nil {
		if err := e.client.Runtime.Close(); err != nil {
			p.logger.Warn("closing pooled runtime failed",
				"session", observability.TokenPrefix(token), "reason", reason, "error", err)
		}
	}
	if err := e.client.Tools.Close(); err != nil {
		p.logger.Warn("closing pooled tool client failed",
			"session", observability.TokenPrefix(token), "reason", reason, "error", err)
	}
	if p.metrics != nil {
		p.metrics.PoolEvictions.WithLabelValues(reason).Inc()
	}
}

func (p *Pool) lookup(result string) {
	if p.metrics != nil {
		p.metrics.PoolLookups.WithLabelValues(result).Inc()
	}
}

func (p *Pool) gauge() {
	if p.metrics != nil {
		p.metrics.PoolSize.Set(float64(len(p.entries)))
	}
}
