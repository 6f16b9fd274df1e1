package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/middleware"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/runtime"
	"github.com/poliport/poliport/internal/session"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/internal/toolpool"
	"github.com/poliport/poliport/pkg/models"
)

type stubToolClient struct{}

func (stubToolClient) Close() error { return nil }

type fixture struct {
	store    *storage.MemoryStore
	sessions *session.Manager
	registry *middleware.Registry
	orch     *Orchestrator
	runtime  *runtime.Scripted
}

func newFixture(t *testing.T, events ...models.RuntimeEvent) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	metrics := observability.NewNopMetrics()
	sessions := session.NewManager(store, nil, config.DefaultSessionConfig(), nil, metrics)

	scripted := runtime.NewScripted(events...)
	builder := func(ctx context.Context, opts runtime.BuildOptions) (runtime.Runtime, error) {
		return scripted, nil
	}

	pool := toolpool.NewPool(config.DefaultToolsConfig(), sessions, nil, metrics)
	pool.SetDialFunc(func(ctx context.Context, headers map[string]string) (toolpool.ToolClient, error) {
		return stubToolClient{}, nil
	})

	registry := middleware.NewRegistry(nil, metrics)
	orch := New(store, sessions, pool, registry, builder, nil, metrics)
	return &fixture{store: store, sessions: sessions, registry: registry, orch: orch, runtime: scripted}
}

func collect(t *testing.T, ex *Exchange) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ex.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("stream did not complete")
		}
	}
}

func eventTypes(events []models.StreamEvent) []models.StreamEventType {
	types := make([]models.StreamEventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestHandleMessageNewThreadOrdering(t *testing.T) {
	f := newFixture(t,
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "Kasko "},
		models.RuntimeEvent{Type: models.RuntimeEventToolStart, ToolCallID: "tc1", ToolName: "get_quote"},
		models.RuntimeEvent{Type: models.RuntimeEventToolEnd, ToolCallID: "tc1", ToolName: "get_quote",
			ToolInput: []byte(`{"plate":"34ABC123"}`), ToolOutput: map[string]any{"premium": 1200}},
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Parts: []models.ContentPart{
			{Type: "text", Text: "teklifiniz "},
			{Type: "image", Text: "ignored"},
			{Type: "text", Text: "hazır."},
		}},
	)

	ex, err := f.orch.HandleMessage(context.Background(), Request{
		TenantID: "tenant-1",
		Message:  "Kasko teklifi istiyorum",
	})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if ex.NewSessionToken == "" {
		t.Error("new thread without a session did not mint a token")
	}

	events := collect(t, ex)
	want := []models.StreamEventType{
		models.StreamNewConversation,
		models.StreamUserMessage,
		models.StreamTextStart,
		models.StreamTextDelta,
		models.StreamToolInputStart,
		models.StreamToolInputAvailable,
		models.StreamToolOutputAvailable,
		models.StreamTextDelta,
		models.StreamTextDelta,
		models.StreamTextEnd,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	if events[0].ConversationID != ex.ConversationID {
		t.Error("new_conversation event carries wrong conversation id")
	}
	if events[0].NewSessionToken != ex.NewSessionToken {
		t.Error("new_conversation event missing recovered session token")
	}
	if events[3].Delta != "Kasko " {
		t.Errorf("first delta = %q", events[3].Delta)
	}

	// Stream completion persists the conversation.
	waitFor(t, func() bool {
		_, err := f.store.Conversations().GetByExternalID(context.Background(), ex.ConversationID)
		return err == nil
	})
	conv, err := f.store.Conversations().GetByExternalID(context.Background(), ex.ConversationID)
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.Title != "Kasko teklifi istiyorum" {
		t.Errorf("title = %q", conv.Title)
	}
	if conv.LastMessage != "Kasko teklifiniz hazır." {
		t.Errorf("last message = %q", conv.LastMessage)
	}
	if conv.SessionToken != ex.NewSessionToken {
		t.Error("conversation not attributed to the recovered session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestHandleMessageExistingConversationFailsClosed(t *testing.T) {
	f := newFixture(t)

	sess, err := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := f.store.Conversations().Create(context.Background(), &models.Conversation{
		ID:           "c1",
		ExternalID:   "conv-ext",
		SessionToken: sess.Token,
		TenantID:     "tenant-1",
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	tests := []struct {
		name           string
		sessionToken   string
		conversationID string
	}{
		{"missing session", "", "conv-ext"},
		{"unknown session", "bogus", "conv-ext"},
		{"unknown conversation", sess.Token, "no-such-conv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.HandleMessage(context.Background(), Request{
				SessionToken:   tt.sessionToken,
				TenantID:       "tenant-1",
				ConversationID: tt.conversationID,
				Message:        "merhaba",
			})
			if !errors.Is(err, ErrAccessDenied) {
				t.Errorf("error = %v, want ErrAccessDenied", err)
			}
		})
	}

	// A different anonymous session must not reach someone else's thread.
	other, err := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	_, err = f.orch.HandleMessage(context.Background(), Request{
		SessionToken:   other.Token,
		TenantID:       "tenant-1",
		ConversationID: "conv-ext",
		Message:        "merhaba",
	})
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("cross-session access error = %v, want ErrAccessDenied", err)
	}
}

func TestHandleMessageExistingConversationOwnerSucceeds(t *testing.T) {
	f := newFixture(t,
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "devam"},
	)

	sess, err := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := f.store.Conversations().Create(context.Background(), &models.Conversation{
		ID:           "c1",
		ExternalID:   "conv-ext",
		SessionToken: sess.Token,
		TenantID:     "tenant-1",
		Title:        "İlk mesaj",
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	ex, err := f.orch.HandleMessage(context.Background(), Request{
		SessionToken:   sess.Token,
		TenantID:       "tenant-1",
		ConversationID: "conv-ext",
		Message:        "devam edelim",
	})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if ex.NewSessionToken != "" {
		t.Error("valid session was replaced")
	}
	events := collect(t, ex)
	if events[0].Type == models.StreamNewConversation {
		t.Error("existing conversation emitted new_conversation")
	}

	waitFor(t, func() bool {
		conv, err := f.store.Conversations().GetByExternalID(context.Background(), "conv-ext")
		return err == nil && conv.LastMessage == "devam"
	})
	conv, _ := f.store.Conversations().GetByExternalID(context.Background(), "conv-ext")
	if conv.Title != "İlk mesaj" {
		t.Errorf("title rewritten on followup: %q", conv.Title)
	}
}

func TestHandleMessageSync(t *testing.T) {
	f := newFixture(t,
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "Merhaba, "},
		models.RuntimeEvent{Type: models.RuntimeEventChunk, Text: "size nasıl yardımcı olabilirim?"},
	)

	res, err := f.orch.HandleMessageSync(context.Background(), Request{
		TenantID: "tenant-1",
		Message:  "selam",
	})
	if err != nil {
		t.Fatalf("HandleMessageSync() error = %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(res.Messages))
	}
	if res.Messages[0].Role != models.RoleUser || res.Messages[0].Content != "selam" {
		t.Errorf("user message = %+v", res.Messages[0])
	}
	if res.Messages[1].Role != models.RoleAssistant ||
		res.Messages[1].Content != "Merhaba, size nasıl yardımcı olabilirim?" {
		t.Errorf("assistant message = %+v", res.Messages[1])
	}
}

func TestToolOutputFormattedByMiddleware(t *testing.T) {
	f := newFixture(t,
		models.RuntimeEvent{Type: models.RuntimeEventToolStart, ToolCallID: "tc1", ToolName: "create_proposal"},
		models.RuntimeEvent{Type: models.RuntimeEventToolEnd, ToolCallID: "tc1", ToolName: "create_proposal",
			ToolInput:  []byte(`{"plan":"full"}`),
			ToolOutput: map[string]any{"proposalId": "prop-42", "premium": 900}},
	)
	f.registry.Register("create_proposal", middleware.HookSet{
		Name: "summary",
		FormatResponse: func(ctx context.Context, inv *middleware.Invocation, current any) (any, error) {
			m := current.(map[string]any)
			m["summary"] = "Teklif hazır"
			return m, nil
		},
	})

	ex, err := f.orch.HandleMessage(context.Background(), Request{TenantID: "tenant-1", Message: "teklif"})
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	events := collect(t, ex)

	var output map[string]any
	for _, ev := range events {
		if ev.Type == models.StreamToolOutputAvailable {
			output = ev.Output.(map[string]any)
		}
	}
	if output == nil {
		t.Fatal("no tool-output-available event")
	}
	if output["summary"] != "Teklif hazır" {
		t.Errorf("output not formatted: %v", output)
	}

	// The proposal id in the output produces a tracking row.
	waitFor(t, func() bool {
		rows, err := f.store.Proposals().ListUnprocessed(context.Background(), 10)
		return err == nil && len(rows) == 1
	})
	rows, _ := f.store.Proposals().ListUnprocessed(context.Background(), 10)
	if rows[0].ProposalID != "prop-42" {
		t.Errorf("proposal id = %q", rows[0].ProposalID)
	}
	if rows[0].ConversationID != ex.ConversationID {
		t.Error("proposal not linked to the conversation")
	}
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)

	sess, err := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := f.store.Conversations().Create(context.Background(), &models.Conversation{
		ID:           "c1",
		ExternalID:   "conv-ext",
		SessionToken: sess.Token,
		TenantID:     "tenant-1",
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	f.runtime.Seed("conv-ext",
		models.Message{ID: "m1", Role: models.RoleUser, Content: "selam"},
		models.Message{ID: "m2", Role: models.RoleAssistant, Content: "merhaba"},
	)

	msgs, err := f.orch.GetHistory(context.Background(), sess.Token, "conv-ext")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "selam" || msgs[1].Content != "merhaba" {
		t.Errorf("history = %+v", msgs)
	}

	// A conversation that never persisted has no history, not an error.
	msgs, err = f.orch.GetHistory(context.Background(), sess.Token, "never-persisted")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("unpersisted conversation history = %+v", msgs)
	}

	// Another session is denied.
	other, _ := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	if _, err := f.orch.GetHistory(context.Background(), other.Token, "conv-ext"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("cross-session history error = %v, want ErrAccessDenied", err)
	}
}

func TestListConversationsAnonymous(t *testing.T) {
	f := newFixture(t)

	sess, _ := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	other, _ := f.sessions.CreateSession(context.Background(), "tenant-1", "")
	for i, token := range []string{sess.Token, sess.Token, other.Token} {
		if err := f.store.Conversations().Create(context.Background(), &models.Conversation{
			ID:           string(rune('a' + i)),
			ExternalID:   string(rune('x' + i)),
			SessionToken: token,
			TenantID:     "tenant-1",
		}); err != nil {
			t.Fatalf("seed conversation: %v", err)
		}
	}

	convs, err := f.orch.ListConversations(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 2 {
		t.Errorf("conversations = %d, want 2", len(convs))
	}
}

func TestPollProposals(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := f.store.Proposals().Create(context.Background(), &models.ProposalTracking{
			ID:         id,
			ProposalID: "proposal-" + id,
		}); err != nil {
			t.Fatalf("seed proposal: %v", err)
		}
	}

	// A failing handler leaves its row unprocessed.
	processed, err := f.orch.PollProposals(context.Background(), 10, func(row *models.ProposalTracking) error {
		if row.ProposalID == "proposal-p2" {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("PollProposals() error = %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}

	rows, err := f.store.Proposals().ListUnprocessed(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUnprocessed() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ProposalID != "proposal-p2" {
		t.Errorf("remaining = %+v, want only proposal-p2", rows)
	}
}
