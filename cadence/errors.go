package cadence

import "github.com/hazyhaar/cadence/cadence/internal/model"

// Sentinel errors. Use errors.Is; the concrete types below carry details.
var (
	ErrInvalidInput  = model.ErrInvalidInput
	ErrNotFound      = model.ErrNotFound
	ErrStateConflict = model.ErrStateConflict
)

type (
	ValidationError    = model.ValidationError
	NotFoundError      = model.NotFoundError
	StateConflictError = model.StateConflictError
)
