// Package storage defines the persistence contracts for sessions,
// conversations, participants and proposal tracking, with Postgres and
// in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/poliport/poliport/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore persists session rows. Lookups exclude soft-deleted rows but
// return expired ones; expiry policy belongs to the session manager.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetByToken(ctx context.Context, token string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error

	// SoftDelete marks the session deleted without removing the row.
	SoftDelete(ctx context.Context, token string, at time.Time) error

	// ListExpired returns tokens of sessions past their overall expiry that
	// are not yet soft-deleted.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// ListSoftDeletedBefore returns tokens of sessions soft-deleted before
	// the cutoff, eligible for hard deletion.
	ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// HardDelete removes session rows permanently. Callers must null any
	// conversation references first.
	HardDelete(ctx context.Context, tokens []string) error
}

// ConversationStore persists conversation threads.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByExternalID(ctx context.Context, externalID string) (*models.Conversation, error)
	Update(ctx context.Context, conv *models.Conversation) error

	ListBySession(ctx context.Context, sessionToken string) ([]*models.Conversation, error)
	ListByParticipant(ctx context.Context, participantID string) ([]*models.Conversation, error)

	// MigrateSessionToParticipant links every conversation of the session
	// that has no participant yet to the given participant. Idempotent; a
	// second run finds zero eligible rows. Returns the number migrated.
	MigrateSessionToParticipant(ctx context.Context, sessionToken, participantID string) (int, error)

	// NullSessionRefs clears the session reference on conversations still
	// pointing at the given sessions. Conversations are never cascade-deleted.
	NullSessionRefs(ctx context.Context, sessionTokens []string) error

	SoftDelete(ctx context.Context, externalID string, at time.Time) error
}

// ParticipantStore persists durable per-(user, tenant) identities.
type ParticipantStore interface {
	// FindOrCreate returns the existing participant for the pair or creates
	// one. Exactly one row exists per (userID, tenantID).
	FindOrCreate(ctx context.Context, userID, tenantID string) (*models.Participant, error)
}

// ProposalStore persists proposal-tracking join records.
type ProposalStore interface {
	Create(ctx context.Context, p *models.ProposalTracking) error
	ListUnprocessed(ctx context.Context, limit int) ([]*models.ProposalTracking, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Store groups all stores and provides the multi-statement transaction
// primitive used for token attach, logout and linkage updates.
type Store interface {
	Sessions() SessionStore
	Conversations() ConversationStore
	Participants() ParticipantStore
	Proposals() ProposalStore

	// Tx runs fn atomically against a transactional view of the store. The
	// memory driver degrades to sequential execution.
	Tx(ctx context.Context, fn func(Store) error) error

	Close() error
}
