package session

import "fmt"

// Code classifies authentication failures for the HTTP/WS boundary.
type Code string

const (
	CodeInvalidIdentity     Code = "invalid_identity"
	CodeLoginTokenMissing   Code = "login_token_missing"
	CodeMFAInvalid          Code = "mfa_invalid"
	CodeSessionNotFound     Code = "session_not_found"
	CodeRefreshExpired      Code = "refresh_expired"
	CodeIdentityUnavailable Code = "identity_unavailable"
)

// userMessages maps failure codes to the localized messages shown to end
// users. Internal detail never leaks into these.
var userMessages = map[Code]string{
	CodeInvalidIdentity:     "Kimlik numarası geçersiz. Lütfen kontrol edip tekrar deneyin.",
	CodeLoginTokenMissing:   "Giriş oturumu bulunamadı. Lütfen tekrar giriş yapın.",
	CodeMFAInvalid:          "Doğrulama kodu hatalı veya süresi dolmuş.",
	CodeSessionNotFound:     "Oturum bulunamadı veya süresi dolmuş.",
	CodeRefreshExpired:      "Oturum süreniz doldu. Lütfen tekrar giriş yapın.",
	CodeIdentityUnavailable: "Kimlik servisine şu anda ulaşılamıyor. Lütfen daha sonra tekrar deneyin.",
}

// AuthError is a typed, user-facing authentication failure.
type AuthError struct {
	Code Code
	err  error
}

// NewAuthError creates an AuthError wrapping an optional cause.
func NewAuthError(code Code, cause error) *AuthError {
	return &AuthError{Code: code, err: cause}
}

func (e *AuthError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.err)
	}
	return string(e.Code)
}

func (e *AuthError) Unwrap() error { return e.err }

// UserMessage returns the localized message safe to show end users.
func (e *AuthError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return "Bir hata oluştu. Lütfen tekrar deneyin."
}
