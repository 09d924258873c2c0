// Package uuid generates worker identities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, optionally prefixed with a host label.
type Generator struct {
	prefix string
}

// New returns a Generator with no prefix.
func New() *Generator {
	return &Generator{}
}

// WithPrefix returns a Generator whose IDs read "<prefix>-<uuid>".
func WithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a fresh worker ID.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
