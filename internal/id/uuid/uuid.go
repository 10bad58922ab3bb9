// Package uuid mints time-ordered identifiers for workers and messages.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings. It satisfies crawler.IDGenerator.
type Generator struct{}

// New returns a Generator.
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

// WorkerID returns host followed by the random tail of a fresh UUIDv7, which
// keeps IDs readable in claim records while staying unique per process.
func (g Generator) WorkerID(host string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		host = "crawler"
	}
	return host + "-" + id[len(id)-12:], nil
}
