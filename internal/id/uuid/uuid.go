// Package uuid provides identifier generators backed by google/uuid.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Version selects the UUID layout a Generator emits.
type Version int

const (
	// V7 ids are time-ordered and used for workflow run ids.
	V7 Version = 7
	// V4 ids are random and used for evaluation ids.
	V4 Version = 4
)

// Generator creates UUID strings of a fixed version.
type Generator struct {
	version Version
}

// New creates a time-ordered (v7) Generator.
func New() *Generator {
	return &Generator{version: V7}
}

// NewRandom creates a random (v4) Generator.
func NewRandom() *Generator {
	return &Generator{version: V4}
}

// NewID returns a fresh UUID string.
func (g Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch g.version {
	case V4:
		id, err = uuid.NewRandom()
	default:
		id, err = uuid.NewV7()
	}
	if err != nil {
		return "", fmt.Errorf("generate uuid%d: %w", g.versionOrDefault(), err)
	}
	return id.String(), nil
}

func (g Generator) versionOrDefault() Version {
	if g.version == 0 {
		return V7
	}
	return g.version
}
