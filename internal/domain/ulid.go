package domain

import "github.com/oklog/ulid/v2"

// NewTokenID returns a fresh, time-ordered identifier for a token record
func NewTokenID() string {
	return ulid.Make().String()
}
