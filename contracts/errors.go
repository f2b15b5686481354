package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned for bodies that are not a {type, data} object
var ErrInvalidEnvelope = errors.New("contracts: invalid envelope")

// UnknownKindError is returned when a stream receives a type it does not define
type UnknownKindError struct {
	Stream string
	Kind   string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("contracts: unknown %s message type %q", e.Stream, e.Kind)
}
