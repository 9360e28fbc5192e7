package proxy

import "github.com/giftportal/keycloak-auth/internal/logsanitize"

// sanitizeLog cleans and bounds a string for structured log output
// before logging external HTTP input.
func sanitizeLog(s string) string {
	return logsanitize.Field(s)
}
