package dispatch

import "errors"

var (
	// ErrDispatch reports that the actor is no longer accepting or serving calls.
	ErrDispatch = errors.New("device actor unavailable")
	// ErrDeviceFault wraps any error the device returned for a call.
	ErrDeviceFault = errors.New("device fault")
	// ErrUnsupportedOperation is returned for operation kinds the actor cannot execute.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// FaultError carries a device failure back to the caller of Submit.
type FaultError struct {
	Kind Kind
	Err  error
}

func (e *FaultError) Error() string {
	return e.Kind.String() + ": " + ErrDeviceFault.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the fault sentinel and the underlying device error.
func (e *FaultError) Unwrap() []error {
	return []error{ErrDeviceFault, e.Err}
}
