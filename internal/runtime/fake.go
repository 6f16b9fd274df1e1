package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poliport/poliport/pkg/models"
)

// Scripted is a runtime that replays a fixed event script. Tests use it to
// drive the orchestrator and transformer with exact event sequences.
type Scripted struct {
	mu      sync.Mutex
	script  []models.RuntimeEvent
	threads map[string][]models.Message

	// StreamErr fails StreamEvents before any event is emitted.
	StreamErr error

	closed   bool
	inputs   []string
	streamed int
}

// NewScripted creates a scripted runtime that will replay events.
func NewScripted(events ...models.RuntimeEvent) *Scripted {
	return &Scripted{
		script:  events,
		threads: make(map[string][]models.Message),
	}
}

// Seed preloads a thread's message history for State.
func (s *Scripted) Seed(threadID string, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], msgs...)
}

// Inputs returns the inputs passed to Invoke and StreamEvents, in order.
func (s *Scripted) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// Streams returns how many times StreamEvents ran.
func (s *Scripted) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// Closed reports whether Close ran.
func (s *Scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scripted) Invoke(ctx context.Context, input, threadID string) ([]models.Message, error) {
	ch, err := s.StreamEvents(ctx, input, threadID)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	var msgs []models.Message
	for ev := range ch {
		switch ev.Type {
		case models.RuntimeEventChunk:
			text.WriteString(ev.Text)
			for _, p := range ev.Parts {
				if p.Type == "text" {
					text.WriteString(p.Text)
				}
			}
		case models.RuntimeEventToolEnd:
			msgs = append(msgs, models.Message{
				ID:         uuid.NewString(),
				Role:       models.RoleTool,
				ToolName:   ev.ToolName,
				ToolCallID: ev.ToolCallID,
				CreatedAt:  time.Now(),
			})
		}
	}
	msgs = append(msgs, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text.String(),
		CreatedAt: time.Now(),
	})
	return msgs, nil
}

func (s *Scripted) StreamEvents(ctx context.Context, input, threadID string) (<-chan models.RuntimeEvent, error) {
	s.mu.Lock()
	if s.StreamErr != nil {
		err := s.StreamErr
		s.mu.Unlock()
		return nil, err
	}
	s.inputs = append(s.inputs, input)
	s.streamed++
	s.threads[threadID] = append(s.threads[threadID], models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	})
	script := make([]models.RuntimeEvent, len(s.script))
	copy(script, s.script)
	s.mu.Unlock()

	ch := make(chan models.RuntimeEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *Scripted) State(ctx context.Context, threadID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.threads[threadID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
