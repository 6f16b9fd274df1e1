// Package middleware implements the tool middleware pipeline: a registry of
// per-tool lifecycle hooks and a universal wrapper applied around every tool
// invocation regardless of the tool's origin.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/poliport/poliport/internal/observability"
)

// RawInputKey is the synthetic argument key used when a JSON-encoded input
// string cannot be parsed; the raw value passes through instead of failing
// the call.
const RawInputKey = "_raw"

// Invocation describes one tool call as seen by hooks.
type Invocation struct {
	// Tool is the tool name the hooks were registered under.
	Tool string

	// Args is the normalized argument map. Hooks for the same invocation
	// share this map; separate invocations never do.
	Args map[string]any
}

// BeforeHook runs before the tool executes. Errors are logged and never
// abort the underlying call.
type BeforeHook func(ctx context.Context, inv *Invocation) error

// AfterHook runs after a successful call with the raw result. Side-effect
// only; its return value is discarded beyond logging.
type AfterHook func(ctx context.Context, inv *Invocation, result any) error

// FormatHook transforms the value returned to the agent runtime. Returning
// nil leaves the current value unchanged.
type FormatHook func(ctx context.Context, inv *Invocation, current any) (any, error)

// ErrorHook runs when the tool call itself fails, before the original error
// is re-raised.
type ErrorHook func(ctx context.Context, inv *Invocation, callErr error) error

// HookSet groups the lifecycle hooks one concern registers for a tool. Any
// field may be nil.
type HookSet struct {
	// Name identifies the registering concern in logs.
	Name string

	Before         BeforeHook
	After          AfterHook
	FormatResponse FormatHook
	OnError        ErrorHook
}

// Registry maps tool names to ordered hook sets. Registration is additive;
// register everything during startup composition — the registry is treated
// as read-only while requests are in flight.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string][]HookSet
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty middleware registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hooks:   make(map[string][]HookSet),
		logger:  logger.With("component", "tool-middleware"),
		metrics: metrics,
	}
}

// Register appends a hook set for the tool. Multiple independent concerns
// may hook the same tool; they run in registration order.
func (r *Registry) Register(tool string, hs HookSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[tool] = append(r.hooks[tool], hs)
}

// Reset clears all registrations.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[string][]HookSet)
}

// HookCount returns the number of hook sets registered for a tool.
func (r *Registry) HookCount(tool string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[tool])
}

func (r *Registry) hooksFor(tool string) []HookSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := r.hooks[tool]
	out := make([]HookSet, len(hooks))
	copy(out, hooks)
	return out
}

// Invoke applies the full pipeline around call: input normalization, before
// hooks, the call itself, after hooks, and the formatResponse fold. On call
// failure the onError hooks run best-effort and the original error is
// returned unchanged. Hook panics and errors are isolated; they never abort
// or corrupt the primary invocation.
func (r *Registry) Invoke(ctx context.Context, tool string, rawInput any, call func(ctx context.Context, args map[string]any) (any, error)) (any, error) {
	inv := &Invocation{Tool: tool, Args: NormalizeInput(rawInput)}
	hooks := r.hooksFor(tool)
	start := time.Now()

	for _, hs := range hooks {
		if hs.Before == nil {
			continue
		}
		r.runIsolated(ctx, tool, hs.Name, "before", func() error {
			return hs.Before(ctx, inv)
		})
	}

	result, err := call(ctx, inv.Args)
	if err != nil {
		for _, hs := range hooks {
			if hs.OnError == nil {
				continue
			}
			r.runIsolated(ctx, tool, hs.Name, "on_error", func() error {
				return hs.OnError(ctx, inv, err)
			})
		}
		r.count(tool, "error", start)
		return nil, err
	}

	for _, hs := range hooks {
		if hs.After == nil {
			continue
		}
		r.runIsolated(ctx, tool, hs.Name, "after", func() error {
			return hs.After(ctx, inv, result)
		})
	}

	result = r.formatWith(ctx, inv, hooks, result)
	r.count(tool, "success", start)
	return result, nil
}

// FormatOutput applies only the formatResponse hooks for a tool, used by
// the stream transformer to format tool outputs in flight. A failing hook
// leaves the value as the previous accumulated one.
func (r *Registry) FormatOutput(ctx context.Context, tool string, args map[string]any, output any) any {
	inv := &Invocation{Tool: tool, Args: args}
	return r.formatWith(ctx, inv, r.hooksFor(tool), output)
}

// formatWith folds the formatResponse hooks left to right. Each hook sees
// the prior accumulated value; a nil return keeps it.
func (r *Registry) formatWith(ctx context.Context, inv *Invocation, hooks []HookSet, current any) any {
	for _, hs := range hooks {
		if hs.FormatResponse == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("formatResponse hook panicked",
						"tool", inv.Tool, "hook", hs.Name, "panic", rec)
				}
			}()
			formatted, err := hs.FormatResponse(ctx, inv, current)
			if err != nil {
				r.logger.Warn("formatResponse hook failed",
					"tool", inv.Tool, "hook", hs.Name, "error", err)
				return
			}
			if formatted != nil {
				current = formatted
			}
		}()
	}
	return current
}

// runIsolated executes a hook, converting errors and panics into log lines.
func (r *Registry) runIsolated(ctx context.Context, tool, hook, stage string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool hook panicked", "tool", tool, "hook", hook, "stage", stage, "panic", rec)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("tool hook failed", "tool", tool, "hook", hook, "stage", stage, "error", err)
	}
}

func (r *Registry) count(tool, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolInvocations.WithLabelValues(tool, status).Inc()
	r.metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
}

// NormalizeInput converts a tool call's input into a plain argument map,
// accepting both pre-parsed objects and JSON-encoded strings. Unparseable
// values pass through under RawInputKey rather than failing the call.
func NormalizeInput(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case json.RawMessage:
		return normalizeJSON([]byte(v), raw)
	case []byte:
		return normalizeJSON(v, raw)
	case string:
		return normalizeJSON([]byte(v), raw)
	default:
		return map[string]any{RawInputKey: raw}
	}
}

func normalizeJSON(data []byte, original any) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || parsed == nil {
		return map[string]any{RawInputKey: original}
	}
	return parsed
}
