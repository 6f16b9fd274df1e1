package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/poliport/poliport/internal/orchestrator"
	"github.com/poliport/poliport/internal/session"
)

const (
	headerConversationID = "x-conversation-id"
	headerSelectedModel  = "x-selected-model"
)

type messageRequest struct {
	Message string `json:"message"`
}

type loginRequest struct {
	IdentityNumber string `json:"identityNumber"`
	Phone          string `json:"phone"`
	BirthDate      string `json:"birthDate"`
}

type verifyMFARequest struct {
	LoginToken string `json:"loginToken"`
	Code       string `json:"code"`
}

type logoutRequest struct {
	CreateNewSession bool `json:"createNewSession"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("empty_message", "Mesaj boş olamaz."))
		return
	}

	res, err := s.orch.HandleMessageSync(r.Context(), orchestrator.Request{
		SessionToken:   s.sessionToken(r),
		TenantID:       s.tenantID(r),
		ConversationID: r.Header.Get(headerConversationID),
		Message:        req.Message,
		Model:          r.Header.Get(headerSelectedModel),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.NewSessionToken != "" {
		s.setSessionCookie(w, res.NewSessionToken)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming_unsupported", "Akış desteklenmiyor."))
		return
	}

	var req messageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("empty_message", "Mesaj boş olamaz."))
		return
	}

	ex, err := s.orch.HandleMessage(r.Context(), orchestrator.Request{
		SessionToken:   s.sessionToken(r),
		TenantID:       s.tenantID(r),
		ConversationID: r.Header.Get(headerConversationID),
		Message:        req.Message,
		Model:          r.Header.Get(headerSelectedModel),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The cookie must leave before the stream body starts.
	if ex.NewSessionToken != "" {
		s.setSessionCookie(w, ex.NewSessionToken)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ex.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("stream event marshal failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Consumer gone. The request context cancels with the
			// connection and tears the upstream pipe down; just drain.
			for range ex.Events {
			}
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		conversationID = r.Header.Get(headerConversationID)
	}
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("missing_conversation", "Konuşma kimliği gerekli."))
		return
	}

	msgs, err := s.orch.GetHistory(r.Context(), s.sessionToken(r), conversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The page is the tail of the replay: clients render the latest
	// messages first and page back with a larger limit.
	total := len(msgs)
	hasMore := false
	if limit := parseLimit(r.URL.Query().Get("limit")); limit > 0 && limit < total {
		msgs = msgs[total-limit:]
		hasMore = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"messages":       msgs,
		"totalMessages":  total,
		"hasMore":        hasMore,
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.orch.ListConversations(r.Context(), s.sessionToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.sessions.Login(r.Context(), req.IdentityNumber, req.Phone, req.BirthDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	// MFA needs a session to bind credentials to; mint one when the cookie
	// is missing or stale.
	token := s.sessionToken(r)
	sess, err := s.sessions.GetSession(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess == nil {
		created, err := s.sessions.CreateSession(r.Context(), s.tenantID(r), "")
		if err != nil {
			s.writeError(w, err)
			return
		}
		token = created.Token
		s.setSessionCookie(w, token)
	}

	status, err := s.sessions.VerifyMFA(r.Context(), req.LoginToken, req.Code, token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.GetAuthStatus(r.Context(), s.sessionToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	token := s.sessionToken(r)
	newToken, err := s.sessions.Logout(r.Context(), token, req.CreateNewSession)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.pool.RefreshSessionClient(token)
	if newToken != "" {
		s.setSessionCookie(w, newToken)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshed := s.sessions.RefreshAccessToken(r.Context(), s.sessionToken(r))
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": refreshed})
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.Server.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// tenantID resolves the tenant for the request. Single-tenant deployments
// run on the configured default; multi-tenant fronting proxies set the
// header per agent.
func (s *Server) tenantID(r *http.Request) string {
	if tenant := r.Header.Get("x-tenant-id"); tenant != "" {
		return tenant
	}
	return s.cfg.Server.DefaultTenant
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Server.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   s.cfg.Session.LifetimeDays * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   s.cfg.Server.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_body", "İstek gövdesi çözümlenemedi."))
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes with user-facing
// Turkish messages; internals stay in the logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var authErr *session.AuthError
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, authStatusCode(authErr.Code), errorBody(string(authErr.Code), authErr.UserMessage()))
	case errors.Is(err, orchestrator.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, errorBody("access_denied", "Bu konuşmaya erişiminiz yok."))
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "Bir hata oluştu. Lütfen tekrar deneyin."))
	}
}

func authStatusCode(code session.Code) int {
	switch code {
	case session.CodeInvalidIdentity, session.CodeLoginTokenMissing:
		return http.StatusBadRequest
	case session.CodeMFAInvalid, session.CodeSessionNotFound, session.CodeRefreshExpired:
		return http.StatusUnauthorized
	case session.CodeIdentityUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
