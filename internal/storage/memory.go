package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poliport/poliport/pkg/models"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	sessions      map[string]*models.Session          // token -> session
	conversations map[string]*models.Conversation     // external id -> conversation
	participants  map[string]*models.Participant      // userID+"\x00"+tenantID -> participant
	proposals     map[string]*models.ProposalTracking // id -> proposal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*models.Session),
		conversations: make(map[string]*models.Conversation),
		participants:  make(map[string]*models.Participant),
		proposals:     make(map[string]*models.ProposalTracking),
	}
}

func (m *MemoryStore) Sessions() SessionStore           { return (*memorySessions)(m) }
func (m *MemoryStore) Conversations() ConversationStore { return (*memoryConversations)(m) }
func (m *MemoryStore) Participants() ParticipantStore   { return (*memoryParticipants)(m) }
func (m *MemoryStore) Proposals() ProposalStore         { return (*memoryProposals)(m) }

// Tx runs fn against the same store. The memory driver provides no
// atomicity; it exists for tests and local development.
func (m *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *MemoryStore) Close() error { return nil }

type memorySessions MemoryStore

func (m *memorySessions) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.Token]; ok {
		return ErrAlreadyExists
	}
	cp := *session
	m.sessions[session.Token] = &cp
	return nil
}

func (m *memorySessions) GetByToken(ctx context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[token]
	if !ok || s.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) Update(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.Token]; !ok {
		return ErrNotFound
	}
	cp := *session
	m.sessions[session.Token] = &cp
	return nil
}

func (m *memorySessions) SoftDelete(ctx context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if s.DeletedAt == nil {
		s.DeletedAt = &at
	}
	return nil
}

func (m *memorySessions) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []string
	for token, s := range m.sessions {
		if s.DeletedAt == nil && s.ExpiresAt.Before(now) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (m *memorySessions) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []string
	for token, s := range m.sessions {
		if s.DeletedAt != nil && s.DeletedAt.Before(cutoff) {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (m *memorySessions) HardDelete(ctx context.Context, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, token := range tokens {
		delete(m.sessions, token)
	}
	return nil
}

type memoryConversations MemoryStore

func (m *memoryConversations) Create(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ExternalID]; ok {
		return ErrAlreadyExists
	}
	cp := *conv
	m.conversations[conv.ExternalID] = &cp
	return nil
}

func (m *memoryConversations) GetByExternalID(ctx context.Context, externalID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[externalID]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memoryConversations) Update(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ExternalID]; !ok {
		return ErrNotFound
	}
	cp := *conv
	m.conversations[conv.ExternalID] = &cp
	return nil
}

func (m *memoryConversations) ListBySession(ctx context.Context, sessionToken string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, c := range m.conversations {
		if c.DeletedAt == nil && c.SessionToken == sessionToken {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortConversations(out)
	return out, nil
}

func (m *memoryConversations) ListByParticipant(ctx context.Context, participantID string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, c := range m.conversations {
		if c.DeletedAt == nil && c.ParticipantID == participantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortConversations(out)
	return out, nil
}

func (m *memoryConversations) MigrateSessionToParticipant(ctx context.Context, sessionToken, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	migrated := 0
	for _, c := range m.conversations {
		if c.SessionToken == sessionToken && c.ParticipantID == "" {
			c.ParticipantID = participantID
			c.UpdatedAt = time.Now()
			migrated++
		}
	}
	return migrated, nil
}

func (m *memoryConversations) NullSessionRefs(ctx context.Context, sessionTokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := make(map[string]bool, len(sessionTokens))
	for _, t := range sessionTokens {
		tokens[t] = true
	}
	for _, c := range m.conversations {
		if tokens[c.SessionToken] {
			c.SessionToken = ""
		}
	}
	return nil
}

func (m *memoryConversations) SoftDelete(ctx context.Context, externalID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[externalID]
	if !ok {
		return ErrNotFound
	}
	if c.DeletedAt == nil {
		c.DeletedAt = &at
	}
	return nil
}

type memoryParticipants MemoryStore

func (m *memoryParticipants) FindOrCreate(ctx context.Context, userID, tenantID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "\x00" + tenantID
	if p, ok := m.participants[key]; ok {
		cp := *p
		return &cp, nil
	}

	p := &models.Participant{
		ID:        newID(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now(),
	}
	m.participants[key] = p
	cp := *p
	return &cp, nil
}

type memoryProposals MemoryStore

func (m *memoryProposals) Create(ctx context.Context, p *models.ProposalTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = newID()
	}
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *memoryProposals) ListUnprocessed(ctx context.Context, limit int) ([]*models.ProposalTracking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ProposalTracking
	for _, p := range m.proposals {
		if !p.IsProcessed {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryProposals) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return ErrNotFound
	}
	p.IsProcessed = true
	return nil
}

func sortConversations(convs []*models.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
