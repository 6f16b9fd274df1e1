package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poliport/poliport/pkg/models"
)

// Echo is the development runtime used when no external agent runtime is
// configured. It streams the user's input back word by word and keeps thread
// history in memory, which is enough to exercise the full gateway path.
type Echo struct {
	mu      sync.Mutex
	threads map[string][]models.Message
}

// NewEcho creates an empty echo runtime.
func NewEcho() *Echo {
	return &Echo{threads: make(map[string][]models.Message)}
}

// EchoBuilder is a Builder producing one Echo runtime per pool entry.
func EchoBuilder(ctx context.Context, opts BuildOptions) (Runtime, error) {
	return NewEcho(), nil
}

func (e *Echo) Invoke(ctx context.Context, input, threadID string) ([]models.Message, error) {
	reply := e.record(input, threadID)
	return []models.Message{reply}, nil
}

func (e *Echo) StreamEvents(ctx context.Context, input, threadID string) (<-chan models.RuntimeEvent, error) {
	reply := e.record(input, threadID)
	words := strings.Fields(reply.Content)

	ch := make(chan models.RuntimeEvent)
	go func() {
		defer close(ch)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case ch <- models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (e *Echo) State(ctx context.Context, threadID string) ([]models.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.threads[threadID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (e *Echo) Close() error { return nil }

func (e *Echo) record(input, threadID string) models.Message {
	now := time.Now()
	user := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: now,
	}
	reply := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   "Yanıt: " + input,
		CreatedAt: now,
	}
	e.mu.Lock()
	e.threads[threadID] = append(e.threads[threadID], user, reply)
	e.mu.Unlock()
	return reply
}
