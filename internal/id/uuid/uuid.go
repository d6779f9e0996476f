// Package uuid provides correlation code generation.
package uuid

import (
	"github.com/google/uuid"
)

// Generator creates correlation codes for tagged requests.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewCode returns a random UUIDv4 string. Codes only need to be unique among
// the requests currently pending, so a degraded randomness source raises the
// collision risk without failing the call.
func (Generator) NewCode() string {
	return uuid.New().String()
}

// NewRequestID returns a time-ordered UUIDv7 used to label API requests.
func (Generator) NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
