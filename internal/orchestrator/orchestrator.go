// Package orchestrator drives one inbound chat message through session
// resolution, conversation access checks, runtime dispatch, stream
// normalization and best-effort persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/poliport/poliport/internal/middleware"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/runtime"
	"github.com/poliport/poliport/internal/session"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/internal/toolpool"
	"github.com/poliport/poliport/pkg/models"
)

// ErrAccessDenied is returned when a request names an existing conversation
// the resolved identity has no recorded access to. Requests with a missing
// or invalid session that name an existing conversation fail the same way;
// they are never repaired into a fresh identity.
var ErrAccessDenied = errors.New("conversation access denied")

// streamErrorMessage is the generic failure text sent downstream. Internal
// detail stays in the logs.
const streamErrorMessage = "Bir hata oluştu. Lütfen tekrar deneyin."

// eventBuffer bounds in-flight normalized events per exchange.
const eventBuffer = 32

// Request is one inbound chat message.
type Request struct {
	SessionToken string
	TenantID     string

	// ConversationID is empty for a new thread.
	ConversationID string

	Message string
	Model   string
}

// Exchange is a started message exchange. Events closes when the turn ends.
type Exchange struct {
	Events         <-chan models.StreamEvent
	ConversationID string

	// NewSessionToken is set when the session was recovered and the caller
	// must adopt a new cookie.
	NewSessionToken string
}

// SyncResult is the buffered form of an exchange.
type SyncResult struct {
	ConversationID  string           `json:"conversationId"`
	NewSessionToken string           `json:"-"`
	Messages        []models.Message `json:"messages"`
}

// Orchestrator wires the session manager, tool-client pool, middleware
// registry and store into the per-message state machine.
type Orchestrator struct {
	store      storage.Store
	sessions   *session.Manager
	pool       *toolpool.Pool
	middleware *middleware.Registry
	builder    runtime.Builder
	logger     *slog.Logger
	metrics    *observability.Metrics

	nowFunc func() time.Time // For testing
}

// New creates an orchestrator.
func New(store storage.Store, sessions *session.Manager, pool *toolpool.Pool, registry *middleware.Registry, builder runtime.Builder, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		sessions:   sessions,
		pool:       pool,
		middleware: registry,
		builder:    builder,
		logger:     logger.With("component", "orchestrator"),
		metrics:    metrics,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. For testing.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) {
	o.nowFunc = fn
}

// HandleMessage runs one exchange and streams normalized events. The
// returned channel closes when the turn completes; cancelling ctx tears the
// stream down and releases the runtime handle.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Exchange, error) {
	sess, newToken, err := o.resolveSession(ctx, req)
	if err != nil {
		o.countHandled("access_denied")
		return nil, err
	}

	isNew := req.ConversationID == ""
	convID := req.ConversationID
	if isNew {
		convID = uuid.NewString()
	}

	client, err := o.pool.GetClientForSession(ctx, sess.Token, toolpool.Options{
		Model:   req.Model,
		Builder: o.builder,
	})
	if err != nil {
		o.countHandled("error")
		return nil, fmt.Errorf("acquire runtime: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := client.Runtime.StreamEvents(streamCtx, req.Message, convID)
	if err != nil {
		cancel()
		o.countHandled("error")
		return nil, fmt.Errorf("start runtime stream: %w", err)
	}

	out := make(chan models.StreamEvent, eventBuffer)
	messageID := uuid.NewString()
	log := o.logger.With("conversation_id", convID, "session", observability.TokenPrefix(sess.Token))

	go func() {
		defer close(out)
		defer cancel()

		if isNew {
			o.send(streamCtx, out, models.StreamEvent{
				Type:            models.StreamNewConversation,
				ConversationID:  convID,
				NewSessionToken: newToken,
			})
		}
		o.send(streamCtx, out, models.StreamEvent{
			Type:      models.StreamUserMessage,
			MessageID: uuid.NewString(),
			Delta:     req.Message,
		})

		result := o.transform(streamCtx, upstream, out, messageID)
		if result.err != nil {
			log.Warn("exchange ended early", "error", result.err)
			o.countHandled("error")
		} else {
			o.countHandled("ok")
		}

		// Persistence is bookkeeping for a stream already delivered; it
		// runs even when the consumer has gone away.
		o.persistExchange(context.WithoutCancel(ctx), req, sess, convID, isNew, result)
	}()

	return &Exchange{Events: out, ConversationID: convID, NewSessionToken: newToken}, nil
}

// HandleMessageSync runs one exchange to completion and returns the
// buffered result.
func (o *Orchestrator) HandleMessageSync(ctx context.Context, req Request) (*SyncResult, error) {
	ex, err := o.HandleMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	now := o.nowFunc()
	res := &SyncResult{ConversationID: ex.ConversationID, NewSessionToken: ex.NewSessionToken}
	var assistant models.Message
	for ev := range ex.Events {
		switch ev.Type {
		case models.StreamUserMessage:
			res.Messages = append(res.Messages, models.Message{
				ID:        ev.MessageID,
				Role:      models.RoleUser,
				Content:   ev.Delta,
				CreatedAt: now,
			})
		case models.StreamTextStart:
			assistant = models.Message{ID: ev.MessageID, Role: models.RoleAssistant, CreatedAt: now}
		case models.StreamTextDelta:
			assistant.Content += ev.Delta
		case models.StreamTextEnd:
			res.Messages = append(res.Messages, assistant)
		case models.StreamToolInputAvailable:
			res.Messages = append(res.Messages, models.Message{
				ID:         uuid.NewString(),
				Role:       models.RoleTool,
				ToolName:   ev.ToolName,
				ToolCallID: ev.ToolCallID,
				CreatedAt:  now,
			})
		case models.StreamError:
			return nil, errors.New(ev.ErrorMessage)
		}
	}
	return res, nil
}

// resolveSession applies the access rules: an existing conversation id
// requires a valid session with recorded access and is never auto-repaired;
// a new thread recovers the session eagerly, minting a replacement token the
// caller must adopt.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*models.Session, string, error) {
	sess, err := o.sessions.GetSession(ctx, req.SessionToken)
	if err != nil {
		return nil, "", fmt.Errorf("resolve session: %w", err)
	}

	if req.ConversationID != "" {
		if sess == nil {
			return nil, "", ErrAccessDenied
		}
		conv, err := o.store.Conversations().GetByExternalID(ctx, req.ConversationID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, "", ErrAccessDenied
			}
			return nil, "", fmt.Errorf("load conversation: %w", err)
		}
		if err := o.checkAccess(ctx, sess, conv); err != nil {
			return nil, "", err
		}
		return sess, "", nil
	}

	if sess != nil {
		return sess, "", nil
	}
	sess, err = o.sessions.CreateSession(ctx, req.TenantID, "")
	if err != nil {
		return nil, "", fmt.Errorf("recover session: %w", err)
	}
	o.logger.Info("session recovered for new thread",
		"session", observability.TokenPrefix(sess.Token))
	return sess, sess.Token, nil
}

// checkAccess verifies the resolved identity has recorded access to the
// conversation, either through the originating session or, for
// authenticated users, the owning participant.
func (o *Orchestrator) checkAccess(ctx context.Context, sess *models.Session, conv *models.Conversation) error {
	if conv.SessionToken != "" && conv.SessionToken == sess.Token {
		return nil
	}
	if !sess.IsAnonymous() && conv.ParticipantID != "" {
		participant, err := o.store.Participants().FindOrCreate(ctx, sess.UserID, sess.TenantID)
		if err != nil {
			return fmt.Errorf("resolve participant: %w", err)
		}
		if conv.ParticipantID == participant.ID {
			return nil
		}
	}
	return ErrAccessDenied
}

// persistExchange records the exchange after the stream is done. Everything
// here is best effort: the stream already reached the caller, so failures
// are logged and swallowed.
func (o *Orchestrator) persistExchange(ctx context.Context, req Request, sess *models.Session, convID string, isNew bool, result streamResult) {
	log := o.logger.With("conversation_id", convID)

	var participantID string
	status, err := o.sessions.GetAuthStatus(ctx, sess.Token)
	if err != nil {
		log.Warn("auth status lookup failed during persistence, skipping participant linkage", "error", err)
	} else if status.IsAuthenticated {
		participant, err := o.store.Participants().FindOrCreate(ctx, status.UserID, sess.TenantID)
		if err != nil {
			log.Warn("participant resolution failed during persistence", "error", err)
		} else {
			participantID = participant.ID
		}
	}

	lastMessage := result.text
	if lastMessage == "" {
		lastMessage = req.Message
	}
	now := o.nowFunc()

	conv, err := o.store.Conversations().GetByExternalID(ctx, convID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !isNew {
			log.Warn("existing conversation vanished before persistence")
			return
		}
		err = o.store.Conversations().Create(ctx, &models.Conversation{
			ID:            uuid.NewString(),
			ExternalID:    convID,
			SessionToken:  sess.Token,
			ParticipantID: participantID,
			TenantID:      sess.TenantID,
			Title:         GenerateTitle(req.Message),
			LastMessage:   FormatLastMessage(lastMessage),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			log.Error("conversation create failed, history will be empty until retried", "error", err)
			return
		}
	case err != nil:
		log.Error("conversation lookup failed during persistence", "error", err)
		return
	default:
		conv.LastMessage = FormatLastMessage(lastMessage)
		conv.UpdatedAt = now
		if conv.ParticipantID == "" && participantID != "" {
			conv.ParticipantID = participantID
		}
		if err := o.store.Conversations().Update(ctx, conv); err != nil {
			log.Error("conversation update failed", "error", err)
			return
		}
	}

	o.recordProposals(ctx, sess, convID, participantID, result.proposalIDs)
}

// GetHistory replays a conversation's message history from the runtime's
// thread state. Access is checked the same way as message dispatch; a
// conversation that was never persisted legitimately has no history.
func (o *Orchestrator) GetHistory(ctx context.Context, sessionToken, conversationID string) ([]models.Message, error) {
	sess, err := o.sessions.GetSession(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if sess == nil {
		return nil, ErrAccessDenied
	}

	conv, err := o.store.Conversations().GetByExternalID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []models.Message{}, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if err := o.checkAccess(ctx, sess, conv); err != nil {
		return nil, err
	}

	client, err := o.pool.GetClientForSession(ctx, sess.Token, toolpool.Options{Builder: o.builder})
	if err != nil {
		return nil, fmt.Errorf("acquire runtime: %w", err)
	}
	msgs, err := client.Runtime.State(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("replay thread state: %w", err)
	}
	return msgs, nil
}

// ListConversations returns the conversations visible to the session:
// participant-scoped once authenticated, session-scoped while anonymous.
func (o *Orchestrator) ListConversations(ctx context.Context, sessionToken string) ([]*models.Conversation, error) {
	sess, err := o.sessions.GetSession(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if sess == nil {
		return []*models.Conversation{}, nil
	}

	if !sess.IsAnonymous() {
		participant, err := o.store.Participants().FindOrCreate(ctx, sess.UserID, sess.TenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve participant: %w", err)
		}
		return o.store.Conversations().ListByParticipant(ctx, participant.ID)
	}
	return o.store.Conversations().ListBySession(ctx, sess.Token)
}

func (o *Orchestrator) send(ctx context.Context, out chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case out <- ev:
		o.countEvent(ev.Type)
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) countEvent(t models.StreamEventType) {
	if o.metrics != nil {
		o.metrics.StreamEvents.WithLabelValues(string(t)).Inc()
	}
}

func (o *Orchestrator) countHandled(status string) {
	if o.metrics != nil {
		o.metrics.MessagesHandled.WithLabelValues(status).Inc()
	}
}
