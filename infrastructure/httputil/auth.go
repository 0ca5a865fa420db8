package httputil

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// RequireBearerToken checks the request's Authorization header against the
// configured shared-secret token using a constant-time comparison, writing a
// 401 response and returning false on mismatch or absence.
func RequireBearerToken(w http.ResponseWriter, r *http.Request, expected string) bool {
	if expected == "" {
		Unauthorized(w, "ingestion token is not configured")
		return false
	}

	token := BearerToken(r)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		Unauthorized(w, "invalid or missing bearer token")
		return false
	}
	return true
}

// UpdatedByParam reads the "updated_by" query parameter recorded against a
// cluster lifecycle transition, defaulting to "system" when absent.
func UpdatedByParam(r *http.Request) string {
	return QueryString(r, "updated_by", "system")
}
