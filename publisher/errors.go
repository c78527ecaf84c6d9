package publisher

import (
	"errors"
	"fmt"
)

// Kind classifies a delivery failure.
type Kind string

const (
	// KindNetwork: the gateway could not be reached or the response was cut.
	KindNetwork Kind = "network"
	// KindPlatform: the gateway answered with a server error or garbage.
	KindPlatform Kind = "platform"
	// KindRejected: the platform refused the post (4xx, disabled route).
	KindRejected Kind = "rejected"
	// KindCircuitOpen: the breaker for the platform is open; nothing was sent.
	KindCircuitOpen Kind = "circuit_open"
)

// ErrDisabled is wrapped when a platform's route is set to "disabled".
var ErrDisabled = errors.New("publisher: platform disabled")

// Error is a failed publish on one platform.
type Error struct {
	Platform string
	Kind     Kind
	// Status is the gateway HTTP status, 0 when there was none.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("publisher: %s %s (status %d): %v", e.Platform, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("publisher: %s %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a publish error, or "" if err is not one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// RouteNotFoundError is returned when a platform has neither a remote
// route nor a local handler.
type RouteNotFoundError struct {
	Platform string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("publisher: platform not routable: %s", e.Platform)
}

// RouteConfigError is returned by SetRoute for an unusable route row.
type RouteConfigError struct {
	Platform string
	Reason   string
}

func (e *RouteConfigError) Error() string {
	return fmt.Sprintf("publisher: route %s: %s", e.Platform, e.Reason)
}
