package router

import (
	"errors"
	"fmt"

	"github.com/simonvetter/modbus"
)

// ErrValidation is matched by every request rejected before submission.
var ErrValidation = errors.New("validation error")

// ValidationError describes a request rejected before it reached the device.
// Exception is the Modbus exception sent to the client.
type ValidationError struct {
	Reason    string
	Exception error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalidAddress(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Exception: modbus.ErrIllegalDataAddress}
}

func invalidValue(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Exception: modbus.ErrIllegalDataValue}
}
