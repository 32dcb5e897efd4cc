// Package errclass defines the gateway's error taxonomy and a per-server
// error-rate classifier. Transport and connection errors are converted into
// status updates at the client-manager boundary; the classifier only
// recommends a recovery action, it never executes one itself.
package errclass

import (
	"errors"
	"fmt"
)

// ConnectionError reports a transport or handshake failure for a server.
type ConnectionError struct {
	Server string
	Stage  string // "spawn", "handshake", "teardown"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server %q: connection failed during %s: %v", e.Server, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failed tool invocation. Execute paths return
// it as a structured payload rather than propagating raw transport errors.
type ToolExecutionError struct {
	Server string
	Tool   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q on server %q: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// HealthCheckError reports a failed availability probe.
type HealthCheckError struct {
	Server string
	Err    error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("server %q: health check failed: %v", e.Server, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsToolExecution reports whether err is (or wraps) a ToolExecutionError.
func IsToolExecution(err error) bool {
	var te *ToolExecutionError
	return errors.As(err, &te)
}
