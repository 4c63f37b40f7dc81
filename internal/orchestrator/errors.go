package orchestrator

import "errors"

var (
	ErrMissingUser  = errors.New("missing user id")
	ErrNotConnected = errors.New("session not connected")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrInitTimeout  = errors.New("initialization timed out")
	ErrInvalidPhone = errors.New("invalid phone number")
)

// DriverError wraps a failure reported by the messaging driver.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string { return "driver " + e.Op + ": " + e.Err.Error() }

func (e *DriverError) Unwrap() error { return e.Err }

type ConnectResult string

const (
	ResultInitializationStarted ConnectResult = "initialization started"
	ResultAlreadyInitializing   ConnectResult = "already initializing"
	ResultAlreadyConnected      ConnectResult = "already connected"
)
