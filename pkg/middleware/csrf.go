package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// CSRFCookieName holds the double-submit token. Not HttpOnly: the UI
	// reads it to echo it back in the header.
	CSRFCookieName = "toolhub_csrf"
	// CSRFHeaderName is where mutating requests echo the cookie value.
	CSRFHeaderName = "X-Csrf-Token"
)

// CSRF implements double-submit-cookie protection for cookie-authenticated
// browser requests. Bearer-token requests (MCP clients) carry no ambient
// credential and are exempt.
func CSRF(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(CSRFCookieName)
			if err != nil || cookie.Value == "" {
				token := newCSRFToken()
				http.SetCookie(w, &http.Cookie{
					Name:     CSRFCookieName,
					Value:    token,
					Path:     "/",
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
				cookie = &http.Cookie{Value: token}
			}

			if mutating(r.Method) && !exemptFromCSRF(r) {
				header := r.Header.Get(CSRFHeaderName)
				if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusForbidden)
					_, _ = w.Write([]byte(`{"error":{"kind":"forbidden","message":"missing or invalid CSRF token"}}`))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func exemptFromCSRF(r *http.Request) bool {
	// Bearer requests do not ride on the session cookie.
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	// The MCP endpoints are driven by non-browser clients.
	return strings.HasPrefix(r.URL.Path, "/mcp")
}

func newCSRFToken() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
