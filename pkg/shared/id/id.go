package id

import "github.com/google/uuid"

// New returns a fresh unique identifier for sessions and frames.
func New() string { return uuid.NewString() }
