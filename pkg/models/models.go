// Package models defines the shared data model for the chat gateway:
// sessions, conversations, participants and the message/event types
// exchanged between the orchestrator and its callers.
package models

import "time"

// Role identifies who produced a message. It is set authoritatively by the
// producer and never inferred from message shape.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Session binds an opaque client-held token to a tenant and, once the user
// has authenticated, to a user identity plus OAuth-style credentials.
type Session struct {
	// Token is the opaque primary lookup key, held by the client in an
	// httpOnly cookie. It is the only credential ever exposed to clients.
	Token string `json:"token"`

	// TenantID is the owning agent/tenant. A session belongs to exactly one
	// tenant for its lifetime.
	TenantID string `json:"tenant_id"`

	// UserID is empty for anonymous sessions.
	UserID string `json:"user_id,omitempty"`

	// FullName caches the authenticated user's display name.
	FullName string `json:"full_name,omitempty"`

	// AccessToken and RefreshToken are either both set or both empty.
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`

	// ExpiresAt is the overall session expiry.
	ExpiresAt time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`

	// DeletedAt marks a soft-deleted session. The row is retained for a
	// grace period so dependent conversations are not orphaned immediately.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsAnonymous reports whether the session has no bound user.
func (s *Session) IsAnonymous() bool {
	return s.UserID == ""
}

// HasAuthTokens reports whether the session carries an access/refresh pair.
func (s *Session) HasAuthTokens() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// Conversation is a persisted thread of exchanges, reachable via its
// originating session or, after migration, via a participant identity.
type Conversation struct {
	// ID is the internal identifier.
	ID string `json:"id"`

	// ExternalID is the client-visible conversation id.
	ExternalID string `json:"external_id"`

	// SessionToken references the originating session. Nulled when the
	// session is hard-deleted; conversations are never cascade-deleted.
	SessionToken string `json:"session_token,omitempty"`

	// ParticipantID is set once the owning session authenticates.
	ParticipantID string `json:"participant_id,omitempty"`

	TenantID    string `json:"tenant_id"`
	Title       string `json:"title"`
	LastMessage string `json:"last_message"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Participant is a durable per-(user, tenant) identity created once and
// reused across sessions and devices.
type Participant struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	CreatedAt time.Time `json:"created_at"`
}

// ProposalTracking links an externally created insurance-proposal id to the
// conversation it originated from. Rows are processed at least once by the
// proposal poller.
type ProposalTracking struct {
	ID             string `json:"id"`
	ProposalID     string `json:"proposal_id"`
	ConversationID string `json:"conversation_id"`
	SessionToken   string `json:"session_token,omitempty"`
	ParticipantID  string `json:"participant_id,omitempty"`

	IsProcessed bool      `json:"is_processed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one entry in a conversation thread.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolName and ToolCallID are set for tool messages only.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AuthStatus is the composed authentication view returned to callers.
type AuthStatus struct {
	IsAuthenticated bool   `json:"is_authenticated"`
	UserID          string `json:"user_id,omitempty"`
	FullName        string `json:"full_name,omitempty"`

	// ExpiryMinutes is the remaining access-token lifetime, rounded down.
	ExpiryMinutes int `json:"expiry_minutes,omitempty"`
}
