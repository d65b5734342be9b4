package device

import (
	"errors"
	"fmt"
)

var (
	// ErrScriptLoad reports that the device script could not be read, parsed or run.
	ErrScriptLoad = errors.New("script load failed")
	// ErrScriptExecution reports a failure while invoking a script entry point.
	ErrScriptExecution = errors.New("script execution error")
	// ErrScriptContract reports a script result with the wrong shape or element types.
	ErrScriptContract = errors.New("script contract violation")
)

// Error describes a failed script entry point call.
type Error struct {
	// Entry is the name of the script function that was called.
	Entry string
	// Kind is ErrScriptExecution or ErrScriptContract.
	Kind error
	// Detail is the engine diagnostic or the contract mismatch.
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Entry, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func executionError(entry string, err error) error {
	return &Error{Entry: entry, Kind: ErrScriptExecution, Detail: err.Error()}
}

func contractError(entry, format string, args ...interface{}) error {
	return &Error{Entry: entry, Kind: ErrScriptContract, Detail: fmt.Sprintf(format, args...)}
}
