package identity

import "strings"

// maxUserIDLen bounds ids accepted from clients and remote events.
const maxUserIDLen = 255

// NormalizeUserID trims s. User ids are opaque and case-sensitive.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// ValidUserID reports whether s is a usable, already normalized user id.
func ValidUserID(s string) bool {
	if s == "" || len(s) > maxUserIDLen || s != NormalizeUserID(s) {
		return false
	}
	return !strings.ContainsAny(s, "\x00\r\n\t ")
}
