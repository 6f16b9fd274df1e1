// Package session implements the auth session manager: session creation,
// anonymous-to-authenticated upgrade, refresh-ahead token rotation, logout
// and the expired-session cleanup sweep.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/identity"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/retry"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/pkg/models"
)

// Manager owns the session lifecycle for one gateway process.
type Manager struct {
	store   storage.Store
	idp     *identity.Client
	cfg     config.SessionConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	// onCredentialChange is invoked after any mutation that invalidates
	// derived auth headers (MFA success, refresh, logout) so the tool-client
	// pool can discard stale clients. Set once during composition.
	onCredentialChange func(sessionToken string)

	nowFunc func() time.Time // For testing
}

// NewManager creates a session manager.
func NewManager(store storage.Store, idp *identity.Client, cfg config.SessionConfig, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		idp:     idp,
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// OnCredentialChange registers the callback fired when a session's derived
// auth headers become stale. Register before accepting traffic.
func (m *Manager) OnCredentialChange(fn func(sessionToken string)) {
	m.onCredentialChange = fn
}

func (m *Manager) notifyCredentialChange(token string) {
	if m.onCredentialChange != nil {
		m.onCredentialChange(token)
	}
}

// CreateSession inserts a new session with a fresh random token and a fixed
// absolute expiry. userID may be empty for anonymous sessions.
func (m *Manager) CreateSession(ctx context.Context, tenantID, userID string) (*models.Session, error) {
	now := m.nowFunc()
	s := &models.Session{
		Token:     newToken(),
		TenantID:  tenantID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(m.cfg.LifetimeDays) * 24 * time.Hour),
		CreatedAt: now,
	}
	if err := m.store.Sessions().Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	kind := "anonymous"
	if userID != "" {
		kind = "bound"
	}
	if m.metrics != nil {
		m.metrics.SessionsCreated.WithLabelValues(kind).Inc()
	}
	m.logger.Debug("session created", "session", observability.TokenPrefix(s.Token), "tenant_id", tenantID)
	return s, nil
}

// GetSession returns the session for a token, or nil if the token is
// unknown, soft-deleted, or past its overall expiry. Expired rows are left
// in place for the cleanup sweep so in-flight reads do not race a delete.
func (m *Manager) GetSession(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, nil
	}
	s, err := m.store.Sessions().GetByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s.ExpiresAt.Before(m.nowFunc()) {
		return nil, nil
	}
	return s, nil
}

// UpgradeSessionToUser binds a user to the session in place. The token
// identity never changes on upgrade.
func (m *Manager) UpgradeSessionToUser(ctx context.Context, token, userID, fullName string) error {
	s, err := m.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if s == nil {
		return NewAuthError(CodeSessionNotFound, nil)
	}
	s.UserID = userID
	s.FullName = fullName
	if err := m.store.Sessions().Update(ctx, s); err != nil {
		return fmt.Errorf("upgrade session: %w", err)
	}
	return nil
}

// AddAuthTokens attaches an access/refresh pair to the session. Both tokens
// must be present; the pair invariant is never violated.
func (m *Manager) AddAuthTokens(ctx context.Context, token string, ts *identity.TokenSet, refreshExpiresAt time.Time) error {
	if ts.AccessToken == "" || ts.RefreshToken == "" {
		return fmt.Errorf("access and refresh tokens must both be present")
	}
	s, err := m.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if s == nil {
		return NewAuthError(CodeSessionNotFound, nil)
	}
	s.AccessToken = ts.AccessToken
	s.RefreshToken = ts.RefreshToken
	s.AccessTokenExpiresAt = identity.AccessTokenExpiry(ts, m.nowFunc())
	s.RefreshTokenExpiresAt = refreshExpiresAt
	if err := m.store.Sessions().Update(ctx, s); err != nil {
		return fmt.Errorf("store auth tokens: %w", err)
	}
	m.notifyCredentialChange(token)
	return nil
}

// ShouldRefreshToken reports whether the access token should be refreshed
// ahead of use: both tokens present and remaining lifetime strictly below
// the configured threshold. Checked before every authenticated operation,
// not only on 401.
func (m *Manager) ShouldRefreshToken(s *models.Session) bool {
	if s == nil || !s.HasAuthTokens() {
		return false
	}
	return s.AccessTokenExpiresAt.Sub(m.nowFunc()) < m.refreshAhead()
}

func (m *Manager) refreshAhead() time.Duration {
	if m.cfg.RefreshAhead > 0 {
		return m.cfg.RefreshAhead
	}
	return 2 * time.Minute
}

// RefreshAccessToken exchanges the session's refresh token for a new token
// set. Returns false on any failure without raising; callers must treat
// false as "must re-authenticate". When the provider does not rotate the
// refresh token the old one is preserved.
func (m *Manager) RefreshAccessToken(ctx context.Context, token string) bool {
	s, err := m.GetSession(ctx, token)
	if err != nil || s == nil || !s.HasAuthTokens() {
		return false
	}

	now := m.nowFunc()
	if !s.RefreshTokenExpiresAt.IsZero() && s.RefreshTokenExpiresAt.Before(now) {
		m.countRefresh("failure")
		m.logger.Debug("refresh token expired", "session", observability.TokenPrefix(token))
		return false
	}

	ts, err := m.idp.Refresh(ctx, s.RefreshToken)
	if err != nil {
		m.countRefresh("failure")
		m.logger.Warn("token refresh failed", "session", observability.TokenPrefix(token), "error", err)
		return false
	}

	s.AccessToken = ts.AccessToken
	s.AccessTokenExpiresAt = identity.AccessTokenExpiry(ts, now)
	if ts.RefreshToken != "" {
		s.RefreshToken = ts.RefreshToken
		if ts.RefreshExpiresIn > 0 {
			s.RefreshTokenExpiresAt = now.Add(time.Duration(ts.RefreshExpiresIn) * time.Second)
		}
	}

	if err := m.store.Sessions().Update(ctx, s); err != nil {
		m.countRefresh("failure")
		m.logger.Error("storing refreshed tokens failed", "session", observability.TokenPrefix(token), "error", err)
		return false
	}

	m.countRefresh("success")
	m.notifyCredentialChange(token)
	return true
}

func (m *Manager) countRefresh(status string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshes.WithLabelValues(status).Inc()
	}
}

// GetAuthStatus composes session lookup, the refresh-ahead check and a
// transparent refresh. A failed refresh yields an unauthenticated status
// even though the (now only anonymous-capable) session row still exists.
func (m *Manager) GetAuthStatus(ctx context.Context, token string) (*models.AuthStatus, error) {
	s, err := m.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.HasAuthTokens() {
		return &models.AuthStatus{}, nil
	}

	if m.ShouldRefreshToken(s) {
		if !m.RefreshAccessToken(ctx, token) {
			return &models.AuthStatus{}, nil
		}
		if s, err = m.GetSession(ctx, token); err != nil || s == nil {
			return &models.AuthStatus{}, err
		}
	}

	remaining := s.AccessTokenExpiresAt.Sub(m.nowFunc())
	if remaining < 0 {
		return &models.AuthStatus{}, nil
	}
	return &models.AuthStatus{
		IsAuthenticated: true,
		UserID:          s.UserID,
		FullName:        s.FullName,
		ExpiryMinutes:   int(remaining.Minutes()),
	}, nil
}

// AuthHeaders resolves the outbound tool-server headers for a session,
// refreshing the access token ahead of expiry if needed. The second return
// reports whether the session is currently authenticated; anonymous
// sessions get an empty header map, which is valid for anonymous tool use.
func (m *Manager) AuthHeaders(ctx context.Context, token string) (map[string]string, bool, error) {
	status, err := m.GetAuthStatus(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if !status.IsAuthenticated {
		return map[string]string{}, false, nil
	}
	s, err := m.GetSession(ctx, token)
	if err != nil || s == nil {
		return map[string]string{}, false, err
	}
	return map[string]string{"Authorization": "Bearer " + s.AccessToken}, true, nil
}

// Login starts the two-phase login flow against the identity provider. It
// always returns a short-lived login token for the MFA phase, never final
// credentials.
func (m *Manager) Login(ctx context.Context, identityNumber, phone, birthDate string) (*identity.LoginResult, error) {
	if !validIdentityNumber(identityNumber) {
		return nil, NewAuthError(CodeInvalidIdentity, nil)
	}
	res, err := m.idp.LoginOrRegister(ctx, identityNumber, phone, birthDate)
	if err != nil {
		return nil, m.classifyProviderError(err)
	}
	return res, nil
}

// VerifyMFA completes authentication: verifies the code, persists the
// issued tokens, fetches the profile, upgrades the session, resolves the
// participant and migrates the session's unclaimed conversations. Migration
// failure is logged and does not fail the MFA response.
func (m *Manager) VerifyMFA(ctx context.Context, loginToken, code, sessionToken string) (*models.AuthStatus, error) {
	if loginToken == "" {
		return nil, NewAuthError(CodeLoginTokenMissing, nil)
	}
	s, err := m.GetSession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, NewAuthError(CodeSessionNotFound, nil)
	}

	ts, err := m.idp.VerifyMFA(ctx, loginToken, code)
	if err != nil {
		return nil, m.classifyProviderError(err)
	}

	now := m.nowFunc()
	refreshExpiresAt := now.Add(time.Duration(ts.RefreshExpiresIn) * time.Second)
	if err := m.AddAuthTokens(ctx, sessionToken, ts, refreshExpiresAt); err != nil {
		return nil, err
	}

	profile, err := m.fetchProfile(ctx, sessionToken)
	if err != nil {
		return nil, NewAuthError(CodeIdentityUnavailable, err)
	}

	if err := m.UpgradeSessionToUser(ctx, sessionToken, profile.ID, profile.FullName); err != nil {
		return nil, err
	}

	// Auth has succeeded at this point; participant linkage and migration
	// are best-effort.
	participant, err := m.store.Participants().FindOrCreate(ctx, profile.ID, s.TenantID)
	if err != nil {
		m.logger.Error("participant resolution failed after MFA",
			"session", observability.TokenPrefix(sessionToken), "error", err)
	} else if _, err := m.MigrateSessionConversations(ctx, sessionToken, participant.ID); err != nil {
		m.logger.Error("conversation migration failed after MFA",
			"session", observability.TokenPrefix(sessionToken), "error", err)
	}

	m.notifyCredentialChange(sessionToken)
	return m.GetAuthStatus(ctx, sessionToken)
}

// fetchProfile fetches the customer profile with a bounded retry: at most
// one retry, gated on an explicit token refresh as its precondition.
func (m *Manager) fetchProfile(ctx context.Context, sessionToken string) (*identity.Profile, error) {
	var profile *identity.Profile
	err := retry.Do(ctx, retry.Once(), func(attempt int) error {
		if attempt > 1 {
			if !m.RefreshAccessToken(ctx, sessionToken) {
				return retry.Permanent(fmt.Errorf("token refresh failed before profile retry"))
			}
		}
		s, err := m.GetSession(ctx, sessionToken)
		if err != nil {
			return retry.Permanent(err)
		}
		if s == nil || !s.HasAuthTokens() {
			return retry.Permanent(NewAuthError(CodeSessionNotFound, nil))
		}
		profile, err = m.idp.Profile(ctx, s.AccessToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// MigrateSessionConversations links all of the session's unclaimed
// conversations to the participant. Idempotent: a second run finds zero
// eligible rows.
func (m *Manager) MigrateSessionConversations(ctx context.Context, sessionToken, participantID string) (int, error) {
	n, err := m.store.Conversations().MigrateSessionToParticipant(ctx, sessionToken, participantID)
	if err != nil {
		return 0, fmt.Errorf("migrate conversations: %w", err)
	}
	if n > 0 {
		m.logger.Info("conversations migrated to participant",
			"session", observability.TokenPrefix(sessionToken), "participant_id", participantID, "count", n)
	}
	return n, nil
}

// Logout strips the session's credentials in place; the row itself
// survives so conversations keep their session linkage. With
// createNewSession a fresh anonymous session for the same tenant is
// created and its token returned; otherwise the stripped token is reused.
func (m *Manager) Logout(ctx context.Context, token string, createNewSession bool) (string, error) {
	var replacementToken string
	err := m.store.Tx(ctx, func(tx storage.Store) error {
		s, err := tx.Sessions().GetByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return NewAuthError(CodeSessionNotFound, nil)
		}
		if err != nil {
			return err
		}

		s.AccessToken = ""
		s.RefreshToken = ""
		s.AccessTokenExpiresAt = time.Time{}
		s.RefreshTokenExpiresAt = time.Time{}
		s.FullName = ""
		if err := tx.Sessions().Update(ctx, s); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}

		if createNewSession {
			now := m.nowFunc()
			fresh := &models.Session{
				Token:     newToken(),
				TenantID:  s.TenantID,
				ExpiresAt: now.Add(time.Duration(m.cfg.LifetimeDays) * 24 * time.Hour),
				CreatedAt: now,
			}
			if err := tx.Sessions().Create(ctx, fresh); err != nil {
				return fmt.Errorf("create replacement session: %w", err)
			}
			replacementToken = fresh.Token
			if m.metrics != nil {
				m.metrics.SessionsCreated.WithLabelValues("post_logout").Inc()
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	m.notifyCredentialChange(token)
	return replacementToken, nil
}

// classifyProviderError maps identity-provider failures onto the auth error
// taxonomy.
func (m *Manager) classifyProviderError(err error) error {
	var pe *identity.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden:
			return NewAuthError(CodeMFAInvalid, err)
		case pe.StatusCode >= 400 && pe.StatusCode < 500:
			return NewAuthError(CodeInvalidIdentity, err)
		}
	}
	return NewAuthError(CodeIdentityUnavailable, err)
}

// validIdentityNumber checks the national identity number format: exactly
// eleven digits, not starting with zero.
func validIdentityNumber(id string) bool {
	if len(id) != 11 || id[0] == '0' {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// newToken generates a 256-bit urlsafe session token.
func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session token entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
