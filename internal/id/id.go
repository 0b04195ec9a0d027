package id

import "github.com/google/uuid"

// New returns a random (version 4) UUID string. IDs are never reused.
func New() string {
	return uuid.NewString()
}
