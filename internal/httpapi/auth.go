package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

// authorizeBearer checks the static API token. An empty configured token
// disables authentication, which is only sane for local development.
func authorizeBearer(r *http.Request, apiToken string) *authError {
	if apiToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing Authorization header"}
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "expected bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "invalid token"}
	}
	return nil
}
