package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id is acceptable as a broadcast group key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// NormalizeSessionID trims whitespace and returns "" for invalid ids.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !ValidSessionID(id) {
		return ""
	}
	return id
}
