// Package uuid generates session and question identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements qa.IDGenerator with time-ordered UUIDv7 values so
// rows created close together sort close together in the primary key index.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
