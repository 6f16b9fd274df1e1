// Package runtime abstracts the agent runtime driving the conversation. The
// real runtime lives out of process; this package defines the surface the
// orchestrator needs plus local implementations for development and tests.
package runtime

import (
	"context"

	"github.com/poliport/poliport/internal/mcp"
	"github.com/poliport/poliport/pkg/models"
)

// Runtime is one agent-runtime handle bound to a session's credentials.
// Thread ids scope conversation state inside the runtime.
type Runtime interface {
	// Invoke runs one turn to completion and returns the produced messages.
	Invoke(ctx context.Context, input, threadID string) ([]models.Message, error)

	// StreamEvents runs one turn and emits raw events as they happen. The
	// channel closes when the turn ends; cancelling ctx stops the stream.
	StreamEvents(ctx context.Context, input, threadID string) (<-chan models.RuntimeEvent, error)

	// State returns the accumulated message history of a thread.
	State(ctx context.Context, threadID string) ([]models.Message, error)

	// Close releases the runtime handle.
	Close() error
}

// BuildOptions carries everything a Builder needs to construct a runtime
// bound to one session.
type BuildOptions struct {
	// Headers are the session's current auth headers, forwarded to the
	// tool server on every tool call.
	Headers map[string]string

	// Model is the selected model identifier, empty for the default.
	Model string

	// Tools is the connected tool-server client built for the same headers.
	Tools *mcp.Client
}

// Builder constructs a runtime instance. The pool calls it once per build
// and owns the returned handle's lifecycle.
type Builder func(ctx context.Context, opts BuildOptions) (Runtime, error)
