package session

import "errors"

// Authorization and termination failures. Each maps to a distinct
// user-visible message; callers match with errors.Is.
var (
	// ErrDeviceNotFound means the requested room has no registered device.
	ErrDeviceNotFound = errors.New("no device registered for this room")

	// ErrInvalidNetwork means the client IP is outside the required
	// client subnet. User-correctable by switching networks.
	ErrInvalidNetwork = errors.New("client is not on an authorized network")

	// ErrConfiguration means the device's registered address violates
	// the expected target subnet. Operator error, not a client error.
	ErrConfiguration = errors.New("device registration is misconfigured")

	// ErrDeviceInactive means the device exists but has been disabled.
	ErrDeviceInactive = errors.New("device is currently disabled")

	// ErrAuthorizationFailed means the packet filter operation failed.
	// Diagnostics go to the log; callers only see this generic failure.
	ErrAuthorizationFailed = errors.New("could not authorize connection")

	// ErrSessionNotFound means no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyTerminated means the session was already closed.
	ErrAlreadyTerminated = errors.New("session already terminated")
)
