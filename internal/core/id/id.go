// Package id provides UUIDv7 generation for sequences, blocks, reservations and audit entries.
// UUIDv7 is time-ordered, so audit rows and blocks sort naturally by creation time.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// ID is a type alias for UUID.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID).
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to V4 if V7 fails (should never happen)
		return uuid.New()
	}
	return id
}

// NewString returns New() in canonical string form.
func NewString() string {
	return New().String()
}

// NewHolder builds a lease holder token. The random suffix keeps two
// requests from the same owner from releasing each other's lease.
func NewHolder(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "anonymous"
	}
	return owner + "/" + uuid.NewString()
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// Valid reports whether s is a well-formed UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}

// IsNil checks if ID is zero-value.
func IsNil(id ID) bool {
	return id == uuid.Nil
}
