package api

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID generates a new opaque session identifier (a random UUID
// in canonical lowercase form).
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID checks whether the given string is a canonical session
// ID. Only the 36-character hyphenated form is accepted, which keeps the ID
// safe to use as a path segment or storage key.
func ValidateSessionID(id string) bool {
	if len(id) != 36 || strings.ToLower(id) != id {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
