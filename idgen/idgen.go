// Package idgen generates the identifiers of posts, recycling schedules and
// business events. Components take a Generator so tests can pin ids.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator returns a new unique id on each call.
type Generator func() string

// UUIDv7 generates time-ordered RFC 9562 UUIDs, so ids sort by creation.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a type tag ("post_", "rs_", "evt_") to gen's ids.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns "<prefix>1", "<prefix>2", ... Not safe for concurrent
// use; meant for tests and fixtures.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Default is the process-wide generator.
var Default Generator = UUIDv7()

// New returns an id from Default.
func New() string { return Default() }

// Parse validates the UUID part of an id, after stripping prefix.
func Parse(prefix, id string) (uuid.UUID, error) {
	if len(id) < len(prefix) || id[:len(prefix)] != prefix {
		return uuid.Nil, fmt.Errorf("idgen: %q lacks prefix %q", id, prefix)
	}
	u, err := uuid.Parse(id[len(prefix):])
	if err != nil {
		return uuid.Nil, fmt.Errorf("idgen: invalid id %q: %w", id, err)
	}
	return u, nil
}
