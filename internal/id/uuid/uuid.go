// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 values, time-ordered for index locality.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUID.
func (Generator) NewID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewWorkerID returns a worker identifier of the form "worker-<uuid>".
func (g Generator) NewWorkerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return "worker-" + id.String(), nil
}
